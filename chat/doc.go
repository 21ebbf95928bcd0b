// Package chat bridges a live Twitch chat channel into the watch session.
//
// A Bridge owns at most one Gateway connection at a time. Attach always tears
// down the previous connection before opening the next one, and every inbound
// handler is tagged with the attach generation that registered it so messages
// from a superseded connection are dropped instead of leaking into the new
// session. Inbound messages are normalized to Message values and numbered with
// an arrival sequence that restarts on each attach.
//
// TwitchGateway is the production Gateway. It reads the channel with an
// anonymous IRC connection, which also delivers the signed-in user's own
// messages back to the dashboard, and sends through the Helix chat API with
// the user's current access token.
package chat
