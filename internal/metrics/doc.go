// Package metrics provides the process-wide metric registry and the clients
// used to mutate it.
//
// Exactly one process owns the Registry. It exposes the registry on /metrics
// and is the only place live metric state is mutated. Other processes record
// metrics through a RemoteClient, which serialises each mutation into an
// Update and sends it to the owner, where a single Consumer applies updates
// one at a time.
//
// Usage in the owner process:
//
//	reg := metrics.NewRegistry()
//	metrics.RegisterCatalog(reg)
//	ch := metrics.NewChannel(4096)
//	go metrics.NewConsumer(ch, reg, logger).Run(ctx)
//	client := metrics.NewDirectClient(reg)
//
// Usage in a worker process:
//
//	client := metrics.NewRemoteClient(sink, metrics.CatalogSchema())
//	client.Inc(metrics.RequestCount, 1, "GET", "/version", "200")
package metrics
