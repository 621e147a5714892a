// Package dedup decides which extracted items an automation has not
// delivered yet.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"autoposter/internal/domain"

	"github.com/samber/lo"
)

const sep = "\x1f"

// Fingerprint identifies an item by title plus link, or title plus
// description when the item has no link.
func Fingerprint(it domain.Item) string {
	title := strings.TrimSpace(it.Title)
	second := strings.TrimSpace(it.Link)
	if second == "" {
		second = strings.TrimSpace(it.Description)
	}
	sum := sha256.Sum256([]byte(title + sep + second))
	return hex.EncodeToString(sum[:16])
}

// Filter returns the items to send and their fingerprints, in input order.
// With AvoidDuplicates off everything is kept and no fingerprints are
// returned, so the seen set never grows.
func Filter(a domain.Automation, items []domain.Item) ([]domain.Item, []string) {
	if !a.Flags.AvoidDuplicates {
		return items, nil
	}
	seen := lo.SliceToMap(a.SeenFingerprints, func(fp string) (string, struct{}) {
		return fp, struct{}{}
	})
	keep := make([]domain.Item, 0, len(items))
	fps := make([]string, 0, len(items))
	for _, it := range items {
		fp := Fingerprint(it)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		keep = append(keep, it)
		fps = append(fps, fp)
	}
	return keep, fps
}
