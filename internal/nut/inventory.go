package nut

import (
	"context"
	"fmt"
	"slices"
)

// Entry is what discovery learns about one variable: the value observed at
// startup and its description.
type Entry struct {
	Sample      string
	Description string
}

// Inventory maps variable names to their startup Entry.
type Inventory map[string]Entry

// CheckUPS fails with a protocol error unless upsd serves a UPS named ups.
func CheckUPS(ctx context.Context, conn Conn, ups string) error {
	names, err := conn.ListUPS(ctx)
	if err != nil {
		return fmt.Errorf("listing UPS: %w", err)
	}
	if !slices.Contains(names, ups) {
		return &Error{Kind: KindProtocol, Op: "LIST UPS", Err: fmt.Errorf("UPS %q not found in upsd", ups)}
	}
	return nil
}

// Discover lists the variables of ups and fetches each one's description.
// Any failure discards the partial result.
func Discover(ctx context.Context, conn Conn, ups string) (Inventory, error) {
	vars, err := conn.ListVars(ctx, ups)
	if err != nil {
		return nil, fmt.Errorf("listing variables for %q: %w", ups, err)
	}

	inv := make(Inventory, len(vars))
	for _, v := range vars {
		desc, err := conn.GetVarDescription(ctx, ups, v.Name)
		if err != nil {
			return nil, fmt.Errorf("describing %q: %w", v.Name, err)
		}
		inv[v.Name] = Entry{Sample: v.Value, Description: desc}
	}
	return inv, nil
}
