// Package protocol defines the event names, payloads, and wire envelope
// exchanged between a negotiation client and the chat server.
//
// Every frame is a JSON object:
//
//	{"type":"request","id":"7","event":"send-message","payload":{...}}
//	{"type":"ack","id":"7","payload":{...}}
//	{"type":"ack","id":"8","error":{"code":"RATE_LIMITED","message":"...","retryAfter":60}}
//	{"type":"event","event":"new-message","payload":{...}}
//
// Requests are matched to acknowledgements by id. Server rejections travel as
// an Error, which implements the error interface so callers can branch with
// errors.As or IsCode.
package protocol
