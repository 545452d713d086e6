// Package transport connects byte links to a WBP session.
//
// Every adapter implements [wbp.Transport] for the server side and drives
// a [wbp.TransportHandler] (normally a *wbp.Session) with connect,
// disconnect and message callbacks. The session never sees a concrete
// link type.
//
// [Pipe] is an in-memory pair used by tests and embedders. [StreamServer]
// carries length-prefixed messages over TCP. [WebSocketHandler] carries one
// message per binary WebSocket frame. [DataChannel] carries one message per
// WebRTC data channel message; [AnswerOffer] and [OfferDataChannel] do the
// vanilla ICE offer/answer exchange around it.
//
// Each adapter also has a client side implementing [wbp.MessageConn] so a
// [wbp.Client] can talk over the same link.
package transport
