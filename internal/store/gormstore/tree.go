package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OCAP2/basewars/internal/store"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// subtree restricts q to the leaf at p and its descendants.
// '0' sorts directly after '/', which avoids LIKE escaping.
func subtree(q *gorm.DB, p string) *gorm.DB {
	return q.Where("path = ? OR (path > ? AND path < ?)", p, p+"/", p+"0")
}

func readTree(db *gorm.DB, p string) (any, error) {
	var rows []Leaf
	if err := subtree(db, p).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	leaves := make(map[string]any, len(rows))
	for _, r := range rows {
		rel, ok := store.Rel(p, r.Path)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("read %s: %w: %v", r.Path, store.ErrMalformed, err)
		}
		leaves[rel] = v
	}
	return store.Unflatten(leaves), nil
}

// writeTree replaces the subtree at p with v inside tx.
func writeTree(tx *gorm.DB, p string, v any) error {
	// a leaf stored at an ancestor is replaced by the new branch
	parts := store.Split(p)
	ancestors := make([]string, 0, len(parts))
	for i := 1; i < len(parts); i++ {
		ancestors = append(ancestors, store.Join(parts[:i]...))
	}
	if len(ancestors) > 0 && v != nil {
		if err := tx.Where("path IN ?", ancestors).Delete(&Leaf{}).Error; err != nil {
			return err
		}
	}
	if err := subtree(tx, p).Delete(&Leaf{}).Error; err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	leaves, err := toLeaves(p, v)
	if err != nil {
		return err
	}
	return tx.Create(&leaves).Error
}

func toLeaves(p string, v any) ([]Leaf, error) {
	now := time.Now()
	var (
		leaves []Leaf
		encErr error
	)
	store.Flatten(p, v, func(path string, leaf any) {
		if encErr != nil {
			return
		}
		enc, err := json.Marshal(leaf)
		if err != nil {
			encErr = err
			return
		}
		leaves = append(leaves, Leaf{Path: path, Value: datatypes.JSON(enc), UpdatedAt: now})
	})
	return leaves, encErr
}
