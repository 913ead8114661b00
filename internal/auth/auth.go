// Package auth resolves request identity (section 4.8) and answers
// permission-matrix questions consumed by every other component.
//
// Identity resolution generalizes the teacher's staticAuth Basic Auth check
// (cmd/gitd/main.go) into a full chain; tokens are matched by a lookup of
// their SHA3-512 hash rather than a constant-time compare. It attaches
// the resolved identity to the request the way the teacher's
// pkg/authenticate package does, via gorilla/context.
package auth

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gorilla/context"
	"golang.org/x/crypto/sha3"

	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
)

type contextKey int

const identityKey contextKey = 0

// Identity is the resolved actor for a request; UserID == 0 means anonymous.
type Identity struct {
	UserID   int64
	Username string
}

func (i Identity) Anonymous() bool { return i.UserID == 0 }

// HashToken returns the hex-encoded SHA3-512 of a token secret, the only form
// ever persisted (section 3: "Tokens are random 32-byte hex, stored only as
// SHA3-512 hashes").
func HashToken(secret string) string {
	sum := sha3.Sum512([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Resolver performs identity resolution against the relational store.
type Resolver struct {
	DB *db.DB
}

// Resolve implements the identity-resolution order of section 4.8: session
// cookie -> Authorization: Bearer <token> -> Git Basic Auth (user:token) ->
// anonymous. The resolved identity is attached to req via gorilla/context so
// downstream middleware (the access-log formatter's authuser field) can read
// it without re-resolving.
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	id, err := r.resolve(req)
	if err != nil {
		return Identity{}, err
	}
	Attach(req, id)
	return id, nil
}

func (r *Resolver) resolve(req *http.Request) (Identity, error) {
	if c, err := req.Cookie("kohaku_session"); err == nil && c.Value != "" {
		if userID, ok, err := r.DB.GetSessionUser(c.Value); err != nil {
			return Identity{}, err
		} else if ok {
			return r.identityFor(userID)
		}
	}

	if authz := req.Header.Get("Authorization"); authz != "" {
		if tok, ok := bearerToken(authz); ok {
			return r.identityForToken(tok)
		}
		if _, pass, ok := req.BasicAuth(); ok {
			// Git Basic Auth: user:token: only the token/password half is
			// authoritative — the username is whatever the client sends.
			return r.identityForToken(pass)
		}
	}

	return Identity{}, nil
}

func (r *Resolver) identityForToken(secret string) (Identity, error) {
	hash := HashToken(secret)
	userID, ok, err := r.DB.GetTokenUser(hash)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		return Identity{}, nil
	}
	return r.identityFor(userID)
}

func (r *Resolver) identityFor(userID int64) (Identity, error) {
	u, err := r.DB.GetUserByID(userID)
	if err != nil || u == nil {
		return Identity{}, err
	}
	return Identity{UserID: u.ID, Username: u.Username}, nil
}

func bearerToken(authz string) (string, bool) {
	const prefix = "Bearer "
	if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return authz[len(prefix):], true
	}
	return "", false
}

// Attach stores the resolved identity on the request context.
func Attach(req *http.Request, id Identity) {
	context.Set(req, identityKey, id)
}

// From retrieves the identity attached by Attach, or the zero (anonymous)
// Identity if none was attached.
func From(req *http.Request) Identity {
	if v, ok := context.GetOk(req, identityKey); ok {
		return v.(Identity)
	}
	return Identity{}
}

// Permission is a read/write/delete capability bitmask.
type Permission int

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermDelete
)

func (p Permission) Has(q Permission) bool { return p&q == q }

// Permission computes the actor's permission within a namespace, following
// section 4.8's matrix: namespace owner gets full; org role visitor=read,
// member=read+write, admin/super-admin=read+write+delete; public repos grant
// anonymous read.
func (r *Resolver) Permission(id Identity, namespace string, repoPrivate bool) (Permission, error) {
	if !id.Anonymous() && id.Username == namespace {
		return PermRead | PermWrite | PermDelete, nil
	}

	if org, err := r.DB.GetOrganizationByName(namespace); err != nil {
		return 0, err
	} else if org != nil && !id.Anonymous() {
		role, member, err := r.DB.MemberRole(org.ID, id.UserID)
		if err != nil {
			return 0, err
		}
		if member {
			switch {
			case role >= models.RoleAdmin:
				return PermRead | PermWrite | PermDelete, nil
			case role >= models.RoleMember:
				return PermRead | PermWrite, nil
			default:
				return PermRead, nil
			}
		}
	}

	if !repoPrivate {
		return PermRead, nil
	}
	return 0, nil
}
