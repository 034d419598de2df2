package metrics

import "errors"

// Client mutates metrics. Code that records metrics depends on Client and
// never on where the registry lives.
//
// The variant is chosen once at process start: DirectClient in the process
// that owns the Registry, RemoteClient everywhere else.
type Client interface {
	Set(name string, value float64, labelValues ...string) error
	Inc(name string, delta float64, labelValues ...string) error
	Dec(name string, delta float64, labelValues ...string) error
	Observe(name string, value float64, labelValues ...string) error
}

// Sink carries updates to the registry owner. Send blocks while the channel
// is saturated; it never drops an update silently.
type Sink interface {
	Send(u Update) error
}

// ErrSinkClosed is returned by sinks after Close.
var ErrSinkClosed = errors.New("metrics: sink closed")

// DirectClient applies mutations to a local Registry.
type DirectClient struct {
	reg *Registry
}

// NewDirectClient returns a client for the registry-owning process.
func NewDirectClient(reg *Registry) *DirectClient {
	return &DirectClient{reg: reg}
}

func (c *DirectClient) Set(name string, value float64, labelValues ...string) error {
	return c.reg.Apply(Update{Name: name, LabelValues: labelValues, Op: OpSet, Value: value})
}

func (c *DirectClient) Inc(name string, delta float64, labelValues ...string) error {
	return c.reg.Apply(Update{Name: name, LabelValues: labelValues, Op: OpInc, Value: delta})
}

func (c *DirectClient) Dec(name string, delta float64, labelValues ...string) error {
	return c.reg.Apply(Update{Name: name, LabelValues: labelValues, Op: OpDec, Value: delta})
}

func (c *DirectClient) Observe(name string, value float64, labelValues ...string) error {
	return c.reg.Apply(Update{Name: name, LabelValues: labelValues, Op: OpObserve, Value: value})
}

// RemoteClient turns every mutation into an Update sent on a Sink. It holds
// no metric state. When a schema is given, updates are validated before
// they leave the process so defects surface at the call site.
type RemoteClient struct {
	sink   Sink
	schema *Schema
}

// NewRemoteClient returns a client for worker processes. schema may be nil.
func NewRemoteClient(sink Sink, schema *Schema) *RemoteClient {
	return &RemoteClient{sink: sink, schema: schema}
}

// send owns u from here on: the label slice is copied because a sink may
// queue the update after the caller has returned.
func (c *RemoteClient) send(u Update) error {
	u.LabelValues = append([]string(nil), u.LabelValues...)
	if c.schema != nil {
		if err := c.schema.Validate(u); err != nil {
			return err
		}
	}
	return c.sink.Send(u)
}

func (c *RemoteClient) Set(name string, value float64, labelValues ...string) error {
	return c.send(Update{Name: name, LabelValues: labelValues, Op: OpSet, Value: value})
}

func (c *RemoteClient) Inc(name string, delta float64, labelValues ...string) error {
	return c.send(Update{Name: name, LabelValues: labelValues, Op: OpInc, Value: delta})
}

func (c *RemoteClient) Dec(name string, delta float64, labelValues ...string) error {
	return c.send(Update{Name: name, LabelValues: labelValues, Op: OpDec, Value: delta})
}

func (c *RemoteClient) Observe(name string, value float64, labelValues ...string) error {
	return c.send(Update{Name: name, LabelValues: labelValues, Op: OpObserve, Value: value})
}

// NopClient discards every mutation.
type NopClient struct{}

func (NopClient) Set(string, float64, ...string) error     { return nil }
func (NopClient) Inc(string, float64, ...string) error     { return nil }
func (NopClient) Dec(string, float64, ...string) error     { return nil }
func (NopClient) Observe(string, float64, ...string) error { return nil }
