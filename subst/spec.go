package subst

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	specDelimiter    = "-"
	preloadDelimiter = ":"
)

// ParseSpec splits the compact "account" or "account-fromblock" form used by
// manifests and the command line. A bare account starts at block 0.
func ParseSpec(spec string) (string, uint64, error) {
	trimmed := strings.TrimSpace(spec)
	parts := strings.Split(trimmed, specDelimiter)
	if len(parts) > 2 {
		return "", 0, fmt.Errorf("%w: %q has more than one %q", ErrInvalidArgument, spec, specDelimiter)
	}
	account := strings.TrimSpace(parts[0])
	if account == "" {
		return "", 0, fmt.Errorf("%w: %q has an empty account", ErrInvalidArgument, spec)
	}
	if len(parts) == 1 {
		return account, 0, nil
	}
	fromBlock, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q has a non-numeric block: %v", ErrInvalidArgument, spec, err)
	}
	return account, fromBlock, nil
}

// Preload is one local substitution given on the command line or in config.
type Preload struct {
	Account   string
	FromBlock uint64
	Path      string
}

// ParsePreload accepts "account:path", "account-fromblock:path" and
// "account:fromblock:path".
func ParsePreload(entry string) (Preload, error) {
	parts := strings.Split(strings.TrimSpace(entry), preloadDelimiter)
	var (
		spec string
		path string
	)
	switch len(parts) {
	case 2:
		spec, path = parts[0], parts[1]
	case 3:
		spec, path = parts[0]+specDelimiter+parts[1], parts[2]
	default:
		return Preload{}, fmt.Errorf("%w: %q, expected account[:from_block]:path", ErrInvalidArgument, entry)
	}
	account, fromBlock, err := ParseSpec(spec)
	if err != nil {
		return Preload{}, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Preload{}, fmt.Errorf("%w: %q has an empty path", ErrInvalidArgument, entry)
	}
	return Preload{Account: account, FromBlock: fromBlock, Path: path}, nil
}
