// Package influxdb records SenseHub telemetry in InfluxDB v2.
//
// Three measurements are written:
//   - automation_runs: one point per finalized run (RunCompleted)
//   - automation_deferred_failures: delayed or auto-revert actions that
//     failed after their run closed (DeferredActionFailed)
//   - sensor_readings: raw readings from the sensor stream (WriteReading)
//
// The client satisfies automation.RunObserver and
// automation.DeferredFailureObserver, so it is attached to the engine
// directly:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	engine.AddRunObserver(client)
//	engine.AddDeferredFailureObserver(client)
//
// Writes are non-blocking and batched per the batch_size and
// flush_interval settings. Async write errors go to the SetOnError callback.
package influxdb
