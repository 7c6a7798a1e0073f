// Package mqtt connects SenseHub to its MQTT broker.
//
// The broker is the boundary between the automation core and field
// equipment: commands and alerts go out, sensor readings, lifecycle events
// and equipment status come in. Protocol drivers sit on the far side of the
// broker and are out of scope here.
//
//	automation core ↔ MQTT broker ↔ equipment drivers
//
// The client adds to paho:
//   - retained online/offline status with a last-will on sensehub/system/status
//   - subscription tracking and restore after reconnect
//   - panic recovery around every handler
//   - topic builders and parsers for the sensehub/ hierarchy (see Topics)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllSensors(), client.QoS(),
//	    func(topic string, payload []byte) error {
//	        eq, sensor, _ := mqtt.ParseSensor(topic)
//	        ...
//	    })
package mqtt
