package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ladlebox/ladlebox/app/models"
)

// EnsureSubscriber returns the subscriber record for an authenticated
// user, provisioning one lazily on first sight. Lookup order: by the
// identity-provider subject id, then by email so that an account created
// before the current identity provider is adopted instead of duplicated.
func (c *Client) EnsureSubscriber(ctx context.Context, externalUserID, email, username string) (*models.Subscriber, error) {
	userID := strings.TrimSpace(externalUserID)
	if userID == "" {
		return nil, errors.New("directory: ensure requires an external user id")
	}

	sub, err := c.FindByUserID(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriberNotFound) {
		return nil, err
	}

	if e := strings.TrimSpace(email); e != "" {
		sub, err = c.FindByEmail(ctx, e)
		if err == nil {
			// Pre-existing account with the same address: adopt it by
			// attaching the subject id rather than creating a duplicate.
			log.Printf("[Directory] adopting existing subscriber %d for %s", sub.ID, e)
			if err := c.Update(ctx, sub.ID, Patch{"externalUserId": userID}); err != nil {
				return nil, err
			}
			sub.ExternalUserID = userID
			return sub, nil
		}
		if !errors.Is(err, ErrSubscriberNotFound) {
			return nil, err
		}
	}

	created, err := c.Create(ctx, &models.Subscriber{
		ExternalUserID: userID,
		Username:       defaultUsername(username, email, userID),
		Email:          strings.TrimSpace(email),
		Tier:           models.TierFree,
	})
	if err != nil {
		return nil, fmt.Errorf("directory: provisioning subscriber: %w", err)
	}
	log.Printf("[Directory] provisioned subscriber %d for %s", created.ID, userID)
	return created, nil
}

func defaultUsername(username, email, userID string) string {
	if u := strings.TrimSpace(username); u != "" {
		return u
	}
	if e := strings.TrimSpace(email); e != "" {
		if at := strings.IndexByte(e, '@'); at > 0 {
			return e[:at]
		}
		return e
	}
	return userID
}
