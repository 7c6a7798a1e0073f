// Package equipment adapts the MQTT bus to the collaborator interfaces of
// the automation engine.
//
//	Controller   automation.EquipmentController  publishes sensehub/command/{id}
//	AlertSink    automation.AlertSink            publishes sensehub/alert/{severity}, rate limited
//	SensorStream automation.SensorStream         subscribes sensehub/sensor/+/+
//	EventBus     automation.EventBus             subscribes sensehub/event/+/+
//	StateCache   automation.StateProvider        subscribes sensehub/state/+
//	RunPublisher automation.RunObserver          publishes sensehub/automation/{id}/run
//
// Adapters depend on the small Bus interface rather than *mqtt.Client so
// they can be exercised without a broker.
package equipment
