package eventbus

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

var (
	instance evbus.Bus
	once     sync.Once
)

// Get returns the process event bus.
func Get() evbus.Bus {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New creates a fresh bus, independent of the process one. Tests use this to
// avoid cross-talk.
func New() evbus.Bus {
	return evbus.New()
}

// Publish publishes a synchronous event.
func Publish(topic string, args ...interface{}) {
	Get().Publish(topic, args...)
}

// Subscribe subscribes a handler to a topic.
func Subscribe(topic string, fn interface{}) error {
	return Get().Subscribe(topic, fn)
}

// SubscribeAsync subscribes a handler that runs on its own goroutine.
func SubscribeAsync(topic string, fn interface{}) error {
	return Get().SubscribeAsync(topic, fn, false)
}

// Shutdown waits for in-flight async handlers to finish.
func Shutdown() {
	if instance != nil {
		instance.WaitAsync()
	}
}
