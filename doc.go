// Package sealchat implements the core of an end-to-end encrypted messaging
// client: identity key management, peer key resolution, per-conversation
// handshakes, message key derivation, the symmetric envelope ciphers, the
// message key vault, and the realtime transport session with reconnect and
// pull-based fallback.
//
// Example:
//
//	options := sealchat.NewOptions()
//	options.ConfigPath = "sealchat.yaml"
//	options.AccountID = "alice@example.com"
//	options.Passphrase = []byte("correct horse battery staple")
//	options.AuthToken = bearerToken
//
//	client, err := sealchat.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnMessage(func(peerID string, d sealchat.Delivery) {
//	    fmt.Printf("%s: %s\n", peerID, d.Plaintext)
//	})
//
//	if err := client.OpenConversation(ctx, "bob@example.com"); err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := client.SendMessage(ctx, "bob@example.com", "hello"); err != nil {
//	    log.Fatal(err)
//	}
package sealchat
