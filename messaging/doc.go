// Package messaging provides the Template used to send and receive messages
// through the cached RabbitMQ connections.
//
// A Template borrows one channel per attempt from the connection cache,
// applies the configured retry policy to transient failures, and returns the
// channel before any backoff wait. Mandatory messages the broker cannot
// route fail immediately with an *UnroutableMessageError.
//
// Payloads are converted with a MessageConverter; JSONConverter is the
// default and can name payload types through a serialization.TypeRegistry.
// Post processors registered with WithBeforePublish and WithAfterReceive
// rewrite messages on the way out and on the way in.
//
//	ack, err := tmpl.ConvertAndSend(ctx, OrderPlaced{ID: "o-1"},
//	    messaging.WithRoutingKey("order.placed"))
//
//	var reply Quote
//	err = tmpl.ConvertSendAndReceive(ctx, QuoteRequest{SKU: "x"}, &reply)
package messaging
