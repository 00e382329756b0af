package mqttsession

import "fmt"

// ProducerInterceptor is an interface that allows interception and modification
// of messages before they are published. Interceptors are called in the order
// they are configured, and each interceptor receives the message from the
// previous interceptor in the chain.
// They run inside Publish, before the message is stored, so a rewrite is also
// what gets replayed after a reconnect. Returning nil drops the publish.
type ProducerInterceptor interface {
	// OnSend is called when a message is about to be published.
	// The interceptor can modify the message before it is sent.
	// Return the (potentially modified) message to continue the chain.
	//
	// WARNING: The message is NOT a copy. Modifications will affect the original.
	// Use msg.Clone() if you need to preserve the original message.
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor is an interface that allows interception and modification
// of messages after they are received but before they are delivered to handlers.
// Interceptors are called in the order they are configured, and each interceptor
// receives the message from the previous interceptor in the chain.
// Returning nil drops the message; QoS acknowledgements are still sent.
type ConsumerInterceptor interface {
	// OnConsume is called when a message is received.
	// The interceptor can modify the message before it is delivered to handlers.
	// Return the (potentially modified) message to continue the chain.
	//
	// WARNING: The message is NOT a copy. Modifications will affect the original.
	// Use msg.Clone() if you need to preserve the original message.
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

// OnSend implements ProducerInterceptor.
func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

// OnConsume implements ConsumerInterceptor.
func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// safelyApplyProducerInterceptor applies a producer interceptor with panic recovery.
// If the interceptor panics, the original message is returned unchanged.
func safelyApplyProducerInterceptor(logger Logger, interceptor ProducerInterceptor, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("producer interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: fmt.Sprint(r),
			})
			result = msg
		}
	}()
	return interceptor.OnSend(msg)
}

// safelyApplyConsumerInterceptor applies a consumer interceptor with panic recovery.
// If the interceptor panics, the original message is returned unchanged.
func safelyApplyConsumerInterceptor(logger Logger, interceptor ConsumerInterceptor, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("consumer interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: fmt.Sprint(r),
			})
			result = msg
		}
	}()
	return interceptor.OnConsume(msg)
}

// applyProducerInterceptors applies all producer interceptors in order.
// Each interceptor receives the message from the previous interceptor.
// If any interceptor returns nil, the chain is broken and nil is returned.
func applyProducerInterceptors(logger Logger, interceptors []ProducerInterceptor, msg *Message) *Message {
	if len(interceptors) == 0 {
		return msg
	}
	current := msg
	for _, interceptor := range interceptors {
		if current == nil {
			return nil
		}
		current = safelyApplyProducerInterceptor(logger, interceptor, current)
	}
	return current
}

// applyConsumerInterceptors applies all consumer interceptors in order.
// Each interceptor receives the message from the previous interceptor.
// If any interceptor returns nil, the chain is broken and nil is returned.
func applyConsumerInterceptors(logger Logger, interceptors []ConsumerInterceptor, msg *Message) *Message {
	if len(interceptors) == 0 {
		return msg
	}
	current := msg
	for _, interceptor := range interceptors {
		if current == nil {
			return nil
		}
		current = safelyApplyConsumerInterceptor(logger, interceptor, current)
	}
	return current
}
