// Package telemetry provides the observability stack for conveyor.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics on a private registry, and an event
// router that fans transfer process events out to asynchronous subscribers.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithProcessID(id).WithState("PROVISIONING").Info("provisioning resources")
//
// # Metrics
//
// Every Metrics method is safe on a nil or disabled instance, so components
// may record unconditionally. The registry is exposed through Handler and is
// mounted by the API router.
//
// # Events
//
// EventPublisher delivers events to subscribers in publish order. With
// EnableAsync set, Publish never blocks: a full buffer drops the event and
// returns ErrBufferFull. Shutdown delivers whatever is still buffered.
//
//	id := tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.ProcessID)
//	}, telemetry.FilterByType("transfer.started"))
//	defer tel.Events.Unsubscribe(id)
package telemetry
