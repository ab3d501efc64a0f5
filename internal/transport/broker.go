package transport

import "context"

// Broker is a topic pub/sub connection. Topics and patterns use the hsp
// slash syntax with "+" and "#" wildcards; implementations translate as
// needed.
type Broker interface {
	// Connect opens the connection. onLost fires at most once per
	// connection when it drops without Close being called.
	Connect(ctx context.Context, onLost func(error)) error
	Publish(topic string, data []byte) error
	Subscribe(pattern string, deliver func(topic string, data []byte)) (Subscription, error)
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}
