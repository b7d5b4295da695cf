package changelogs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxReactionBytes = 64

	variationSelectorEmoji = "\uFE0F"
	combiningKeycap        = "\u20E3"
)

// ErrInvalidReaction reports a reaction that is not a single symbol.
var ErrInvalidReaction = errors.New("changelogs: invalid reaction")

// NormalizeReaction trims the input and checks that it is exactly one
// grapheme cluster containing a symbol, such as an emoji. Keycap sequences
// like "1️⃣" and "#️⃣" count as symbols.
func NormalizeReaction(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidReaction)
	}
	if len(trimmed) > maxReactionBytes {
		return "", fmt.Errorf("%w: too long", ErrInvalidReaction)
	}
	if uniseg.GraphemeClusterCount(trimmed) != 1 {
		return "", fmt.Errorf("%w: expected a single symbol", ErrInvalidReaction)
	}
	if isKeycap(trimmed) {
		return trimmed, nil
	}
	for _, r := range trimmed {
		if unicode.Is(unicode.So, r) {
			return trimmed, nil
		}
	}
	return "", fmt.Errorf("%w: not a symbol", ErrInvalidReaction)
}

// isKeycap reports whether cluster is a keycap sequence: one of 0-9, '#' or
// '*', an optional emoji variation selector, then U+20E3.
func isKeycap(cluster string) bool {
	base, ok := strings.CutSuffix(cluster, combiningKeycap)
	if !ok {
		return false
	}
	base = strings.TrimSuffix(base, variationSelectorEmoji)
	if len(base) != 1 {
		return false
	}
	return base[0] == '#' || base[0] == '*' || (base[0] >= '0' && base[0] <= '9')
}

// AddReaction increments the count of one reaction on a version and returns
// the updated counts. The version row is locked for the read-modify-write.
func (s *Service) AddReaction(ctx context.Context, versionID string, reaction string) (Reactions, error) {
	if s.db == nil {
		s.logError(opAddReaction, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opAddReaction, reasonMissingDatabase, errMissingDatabase)
	}
	symbol, err := NormalizeReaction(reaction)
	if err != nil {
		return nil, newServiceError(opAddReaction, reasonInvalidReaction, err)
	}
	versionID = strings.TrimSpace(versionID)
	if versionID == "" {
		return nil, newServiceError(opAddReaction, reasonNotFound, ErrVersionNotFound)
	}

	var updated Reactions
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var version Version
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryID, versionID).
			Take(&version).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAddReaction, reasonNotFound, ErrVersionNotFound)
		}
		if err != nil {
			return newServiceError(opAddReaction, reasonQueryFailed, err)
		}

		counts := make(Reactions)
		for key, value := range version.Reactions.Data() {
			counts[key] = value
		}
		counts[symbol]++

		if err := tx.Model(&Version{}).
			Where(queryID, versionID).
			Update("reactions", datatypes.NewJSONType(counts)).Error; err != nil {
			return newServiceError(opAddReaction, reasonTransaction, err)
		}
		updated = counts
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrVersionNotFound) {
			s.logError(opAddReaction, reasonTransaction, txErr, zap.String(fieldVersionID, versionID))
		}
		return nil, txErr
	}
	return updated, nil
}
