package main

import (
	"fmt"
	"net/http"

	"github.com/syncular/syncular-sub002/syncserver"
)

// demoResolver trusts an "X-Syncular-User" header as the actor id, within
// the fixed partitionId this process serves. Authentication is explicitly
// externalized by the spec (§1 Non-goals); a production ActorResolver
// verifies a bearer token or session cookie against the application's own
// user store before returning an Actor.
func demoResolver(partitionID string) syncserver.ActorResolver {
	return func(r *http.Request) (string, syncserver.Actor, error) {
		userID := r.Header.Get("X-Syncular-User")
		if userID == "" {
			return "", syncserver.Actor{}, fmt.Errorf("missing X-Syncular-User header")
		}
		return partitionID, syncserver.Actor{ID: userID}, nil
	}
}
