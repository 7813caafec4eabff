// Package sync keeps the local document and its optional remote mirror in
// step.
//
// Overview
//
// A Controller owns the working document. The presentation layer reads it
// with Get and changes it only through Commit, which persists locally first
// and then pushes to the mirror in the background. Remote changes arrive on
// a subscription and replace the document when their content differs.
//
// Architecture
//
// Every state transition runs on the single goroutine started by Run:
//
//	Commit/Replace/SetIdentity ──┐
//	bind goroutine (pull) ───────┼──> event loop ──> Local (store.Store)
//	push goroutine (results) ────┤         │
//	subscription forwarder ──────┘         └──> listeners (Event)
//
// Session phases:
//
//	Unbound ──SetIdentity──> Binding ──pulled──> Bound <──> Absorbing
//	   ^                        │                  │
//	   └──────── sign-out, feed error, failed bind ┘
//
// Each bind starts a new session generation. Results and changes tagged
// with an older generation are dropped, so a push that completes after the
// identity changed is never reported against the new identity.
//
// Echo suppression
//
// The mirror delivers this client's own pushes back on the feed. Each push
// records the fingerprint of the pushed document; an incoming change with a
// recorded fingerprint is consumed without touching the document. Any other
// change whose content equals the working document is dropped silently.
//
// Usage
//
//	ctrl := sync.New(store.New(database, logger), mirror, sync.WithLogger(logger))
//	go ctrl.Run(ctx)
//
//	if err := ctrl.SetIdentity(ctx, "user-42"); err != nil {
//	    return err
//	}
//	err := ctrl.Commit(ctx, func(doc *schema.Document) error {
//	    doc.Landlord.City = "Lyon"
//	    return nil
//	})
package sync
