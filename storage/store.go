package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"storefront/catalog"
	"storefront/pricing"
)

var (
	bucketDrafts   = []byte("drafts")
	bucketReceipts = []byte("receipts")
	bucketCoupons  = []byte("coupons")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	errWalletRequired = errors.New("storage: wallet address required")
)

// Store persists draft product records, purchase receipts, and coupon usage
// in a single BoltDB file. Receipts are set-union only and drafts are keyed
// by numeric id, so concurrent readers never observe a torn write.
type Store struct {
	db            *bolt.DB
	alwaysVisible []uint64
}

// NewStore opens (and migrates) the BoltDB-backed store. The alwaysVisible
// ids are unioned into every ListGranted result so the demo fixtures stay
// reachable for any wallet.
func NewStore(path string, alwaysVisible []uint64) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDrafts, bucketReceipts, bucketCoupons} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, alwaysVisible: append([]uint64(nil), alwaysVisible...)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func draftKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// PutDraft stores an uncommitted product record keyed by its numeric id.
func (s *Store) PutDraft(rec *catalog.ProductRecord) error {
	if rec == nil {
		return errors.New("storage: draft record required")
	}
	clone := rec.Clone()
	clone.Origin = catalog.OriginDraft
	payload, err := json.Marshal(clone)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrafts).Put(draftKey(clone.ID), payload)
	})
}

// DraftGet loads a draft record, reporting false when the id has no draft.
func (s *Store) DraftGet(id uint64) (*catalog.ProductRecord, bool, error) {
	var rec catalog.ProductRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDrafts).Get(draftKey(id))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("storage: decode draft %d: %w", id, err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	rec.Origin = catalog.OriginDraft
	return &rec, true, nil
}

// DraftIDs lists every draft product id.
func (s *Store) DraftIDs() ([]uint64, error) {
	var ids []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrafts).ForEach(func(k, _ []byte) error {
			if len(k) == 8 {
				ids = append(ids, binary.BigEndian.Uint64(k))
			}
			return nil
		})
	})
	return ids, err
}

// DeleteDraft removes a draft, typically once the id is committed on-chain.
// Deleting a missing draft is a no-op.
func (s *Store) DeleteDraft(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrafts).Delete(draftKey(id))
	})
}

func normalizeWallet(wallet string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(wallet))
	if trimmed == "" {
		return "", errWalletRequired
	}
	return trimmed, nil
}

// GrantReceipt records that a wallet owns a product. The operation is a set
// union: granting an already granted product is a no-op.
func (s *Store) GrantReceipt(wallet string, productID uint64) error {
	key, err := normalizeWallet(wallet)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReceipts)
		granted, err := decodeIDSet(bucket.Get([]byte(key)))
		if err != nil {
			return err
		}
		for _, id := range granted {
			if id == productID {
				return nil
			}
		}
		granted = append(granted, productID)
		sort.Slice(granted, func(i, j int) bool { return granted[i] < granted[j] })
		payload, err := json.Marshal(granted)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), payload)
	})
}

// ListGranted returns every product id granted to the wallet, unioned with
// the always-visible fixture ids.
func (s *Store) ListGranted(wallet string) ([]uint64, error) {
	key, err := normalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	var granted []uint64
	err = s.db.View(func(tx *bolt.Tx) error {
		granted, err = decodeIDSet(tx.Bucket(bucketReceipts).Get([]byte(key)))
		return err
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(granted)+len(s.alwaysVisible))
	out := make([]uint64, 0, len(granted)+len(s.alwaysVisible))
	for _, id := range append(granted, s.alwaysVisible...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// HasReceipt reports whether the wallet has been granted the product.
func (s *Store) HasReceipt(wallet string, productID uint64) (bool, error) {
	granted, err := s.ListGranted(wallet)
	if err != nil {
		return false, err
	}
	for _, id := range granted {
		if id == productID {
			return true, nil
		}
	}
	return false, nil
}

func decodeIDSet(raw []byte) ([]uint64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("storage: decode receipt set: %w", err)
	}
	return ids, nil
}

// PutCoupon upserts an externally authored coupon. An existing usage counter
// is preserved so reloading fixtures cannot reset enforcement.
func (s *Store) PutCoupon(coupon *pricing.Coupon) error {
	if coupon == nil || strings.TrimSpace(coupon.Code) == "" {
		return errors.New("storage: coupon code required")
	}
	clone := coupon.Clone()
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCoupons)
		if raw := bucket.Get([]byte(clone.Code)); raw != nil {
			var existing pricing.Coupon
			if err := json.Unmarshal(raw, &existing); err == nil && existing.UsesSoFar > clone.UsesSoFar {
				clone.UsesSoFar = existing.UsesSoFar
			}
		}
		payload, err := json.Marshal(clone)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(clone.Code), payload)
	})
}

// GetCoupon loads a coupon by its case-sensitive code.
func (s *Store) GetCoupon(code string) (*pricing.Coupon, bool, error) {
	var coupon pricing.Coupon
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCoupons).Get([]byte(code))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &coupon); err != nil {
			return fmt.Errorf("storage: decode coupon %q: %w", code, err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &coupon, true, nil
}

// IncrementCouponUsage bumps a coupon's local usage counter. Enforcement is
// best effort: the counter tracks purchases settled through this instance.
func (s *Store) IncrementCouponUsage(code string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCoupons)
		raw := bucket.Get([]byte(code))
		if raw == nil {
			return fmt.Errorf("%w: coupon %q", ErrNotFound, code)
		}
		var coupon pricing.Coupon
		if err := json.Unmarshal(raw, &coupon); err != nil {
			return fmt.Errorf("storage: decode coupon %q: %w", code, err)
		}
		coupon.UsesSoFar++
		payload, err := json.Marshal(&coupon)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(code), payload)
	})
}
