// Package walletbridge is a Go client for the bridge's websocket relay. It
// lets headless DApps, test harnesses and bots talk to the wallet the way a
// page does, and guards Go HTTP handlers with the same origin allowlist.
//
// Usage:
//
//	c, err := walletbridge.Dial(ctx, "ws://127.0.0.1:8546/bridge",
//	    walletbridge.WithOrigin("https://app.example"))
//	accounts, err := c.Request(ctx, "eth_requestAccounts", nil)
//	stop := c.On("accountsChanged", func(data json.RawMessage) { ... })
//
// Refused requests return *Error; Error.Reason is the relay's string, such
// as "origin_not_allowed" or "request_timeout".
package walletbridge
