package goaffiliate

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// LoadSnapshot fetches an affiliate's codes and user events concurrently.
// Either both fetches succeed or an error is returned; a partial snapshot is
// never produced.
func LoadSnapshot(ctx context.Context, storage Storage, affiliateID string) (*Snapshot, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	var (
		codes []ReferralCode
		users []UserEvents
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		codes, err = storage.ListReferralCodes(gctx, affiliateID)
		if err != nil {
			return fmt.Errorf("list referral codes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		users, err = storage.ListUserEvents(gctx, affiliateID)
		if err != nil {
			return fmt.Errorf("list user events: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if codes == nil {
		codes = []ReferralCode{}
	}
	if users == nil {
		users = []UserEvents{}
	}

	return &Snapshot{
		AffiliateID: affiliateID,
		Codes:       codes,
		Users:       users,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// Filter narrows a snapshot to the given codes and user. Empty arguments keep
// everything. Codes and users are copied into new slices; the receiver is not
// modified.
func (s *Snapshot) Filter(codeIDs []string, userID string) *Snapshot {
	out := &Snapshot{
		AffiliateID: s.AffiliateID,
		FetchedAt:   s.FetchedAt,
		Codes:       make([]ReferralCode, 0, len(s.Codes)),
		Users:       make([]UserEvents, 0, len(s.Users)),
	}

	keepCode := func(string) bool { return true }
	if len(codeIDs) > 0 {
		set := make(map[string]struct{}, len(codeIDs))
		for _, id := range codeIDs {
			set[id] = struct{}{}
		}
		keepCode = func(id string) bool {
			_, ok := set[id]
			return ok
		}
	}

	userCodes := make(map[string]struct{})
	for _, u := range s.Users {
		if !keepCode(u.ReferralCodeID) {
			continue
		}
		if userID != "" && u.UserID != userID {
			continue
		}
		out.Users = append(out.Users, u)
		userCodes[u.ReferralCodeID] = struct{}{}
	}

	for _, c := range s.Codes {
		if !keepCode(c.ID) {
			continue
		}
		if userID != "" {
			if _, ok := userCodes[c.ID]; !ok {
				continue
			}
		}
		out.Codes = append(out.Codes, c)
	}

	return out
}
