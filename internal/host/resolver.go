package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/acme/autocert"

	"github.com/swarmhost/swarmhost/internal/store"
)

// SitesMode selects how subdomains map to hosted content.
type SitesMode string

// Supported site modes.
const (
	SitesDisabled   SitesMode = "disabled"
	SitesPerUser    SitesMode = "per-user"
	SitesPerArchive SitesMode = "per-archive"
)

// Valid reports whether m is a recognized mode.
func (m SitesMode) Valid() bool {
	switch m {
	case SitesDisabled, SitesPerUser, SitesPerArchive:
		return true
	}
	return false
}

// Resolution is the ownership record a hostname maps to. User and Archive
// are both nil for the platform apex itself.
type Resolution struct {
	User    *store.UserRecord
	Archive *store.ArchiveRecord
}

// DomainResolver maps inbound hostnames to ownership records. It backs both
// virtual-host routing and the certificate-issuance gate. Every lookup
// failure is reported uniformly as ErrInvalidDomain: distinguishing "no
// such user" from "no such archive" would leak account existence through
// issuance behavior.
type DomainResolver struct {
	st   *store.Store
	mode SitesMode
	apex string // platform domain, e.g. "swarmhost.example"
}

// NewDomainResolver creates a resolver for the given mode and apex domain.
func NewDomainResolver(st *store.Store, mode SitesMode, apex string) *DomainResolver {
	return &DomainResolver{st: st, mode: mode, apex: strings.ToLower(strings.TrimSuffix(apex, "."))}
}

// Resolve maps a hostname to its owning user and archive. The apex domain
// always resolves without lookup.
func (r *DomainResolver) Resolve(ctx context.Context, hostname string) (*Resolution, error) {
	host := normalizeHost(hostname)
	if host == "" {
		return nil, fmt.Errorf("%q: %w", hostname, ErrInvalidDomain)
	}

	if host == r.apex {
		return &Resolution{}, nil
	}

	sub, ok := strings.CutSuffix(host, "."+r.apex)
	if !ok {
		// Accept the bare subdomain form as well ("blog.alice" under
		// per-archive mode), used when an upstream proxy already stripped
		// the apex.
		sub = host
	}

	labels := strings.Split(sub, ".")
	switch r.mode {
	case SitesPerUser:
		if len(labels) != 1 {
			return nil, fmt.Errorf("%q: %w", hostname, ErrInvalidDomain)
		}
		user, err := r.lookupUser(ctx, labels[0])
		if err != nil {
			return nil, fmt.Errorf("%q: %w", hostname, ErrInvalidDomain)
		}
		return &Resolution{User: user}, nil

	case SitesPerArchive:
		if len(labels) != 2 {
			return nil, fmt.Errorf("%q: %w", hostname, ErrInvalidDomain)
		}
		archiveName, username := labels[0], labels[1]
		user, err := r.lookupUser(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", hostname, ErrInvalidDomain)
		}
		ref := user.ArchiveNamed(archiveName)
		if ref == nil {
			return nil, fmt.Errorf("%q: %w", hostname, ErrInvalidDomain)
		}
		archive, err := r.st.GetArchive(ctx, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", hostname, ErrInvalidDomain)
		}
		return &Resolution{User: user, Archive: archive}, nil

	default:
		return nil, fmt.Errorf("%q: %w", hostname, ErrInvalidDomain)
	}
}

func (r *DomainResolver) lookupUser(ctx context.Context, username string) (*store.UserRecord, error) {
	user, err := r.st.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user.Suspended {
		return nil, errors.New("suspended")
	}
	return user, nil
}

// HostPolicy adapts the resolver to an autocert host policy, gating
// automatic certificate issuance to hostnames that resolve. The caller
// receives a binary allow/deny signal only.
func (r *DomainResolver) HostPolicy() autocert.HostPolicy {
	return func(ctx context.Context, host string) error {
		if _, err := r.Resolve(ctx, host); err != nil {
			return err
		}
		return nil
	}
}

// normalizeHost lowercases a hostname and strips any port and trailing dot.
func normalizeHost(hostname string) string {
	host := strings.TrimSpace(strings.ToLower(hostname))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
