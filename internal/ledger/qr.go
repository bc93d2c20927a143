package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/safar/provenance-ledger/internal/models"
	"github.com/sirupsen/logrus"
)

// QRPayload is the JSON embedded in a product label.
type QRPayload struct {
	ProductID      string    `json:"product_id"`
	ManufacturerID string    `json:"manufacturer_id"`
	CreatedAt      time.Time `json:"created_at"`
	Name           string    `json:"name,omitempty"`
	Sig            string    `json:"sig"`
}

// Signer binds and checks QR payloads with an HMAC key.
type Signer struct {
	key []byte
}

func NewSigner(key []byte) Signer {
	return Signer{key: key}
}

func (s Signer) sign(p QRPayload) string {
	mac := hmac.New(sha256.New, s.key)
	c := &chainHasher{h: mac}
	c.str(p.ProductID)
	c.str(p.ManufacturerID)
	c.time(p.CreatedAt)
	c.str(p.Name)
	return c.sum()
}

// Bind builds the signed payload for a product. The same inputs always
// produce the same payload.
func (s Signer) Bind(productID, manufacturerID, name string, createdAt time.Time) (string, error) {
	p := QRPayload{
		ProductID:      productID,
		ManufacturerID: manufacturerID,
		CreatedAt:      createdAt.UTC(),
		Name:           name,
	}
	p.Sig = s.sign(p)

	data, err := json.Marshal(p)
	if err != nil {
		return "", InvalidArgument("encode qr payload: %v", err)
	}
	return string(data), nil
}

// Parse decodes payload and checks its signature against this signer's key.
func (s Signer) Parse(payload string) (QRPayload, error) {
	p, err := decodeQRPayload(payload)
	if err != nil {
		return QRPayload{}, err
	}

	want, err := hex.DecodeString(s.sign(p))
	if err != nil {
		return QRPayload{}, Authenticity("malformed qr payload")
	}
	got, err := hex.DecodeString(p.Sig)
	if err != nil || !hmac.Equal(want, got) {
		return QRPayload{}, Authenticity("qr signature does not match")
	}
	return p, nil
}

func decodeQRPayload(payload string) (QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &p); err != nil {
		return QRPayload{}, Authenticity("malformed qr payload")
	}
	if p.ProductID == "" {
		return QRPayload{}, Authenticity("qr payload has no product id")
	}
	return p, nil
}

// issuedAs reports whether every field set on scanned matches the bound
// payload. Only product_id is required on a label.
func issuedAs(scanned, bound QRPayload) bool {
	if scanned.ManufacturerID != "" && scanned.ManufacturerID != bound.ManufacturerID {
		return false
	}
	if !scanned.CreatedAt.IsZero() && !scanned.CreatedAt.Equal(bound.CreatedAt) {
		return false
	}
	if scanned.Name != "" && scanned.Name != bound.Name {
		return false
	}
	if scanned.Sig != "" && !hmac.Equal([]byte(scanned.Sig), []byte(bound.Sig)) {
		return false
	}
	return true
}

// Verification is the result of a successful scan.
type Verification struct {
	Product models.ProductState   `json:"product"`
	History []models.ProductEvent `json:"history"`
	Custody []string              `json:"custody"`
	Scan    models.ScanRecord     `json:"scan"`
}

// Bind returns the payload bound to a product at creation.
func (s *Service) Bind(ctx context.Context, productID string) (string, error) {
	state, err := s.GetState(ctx, productID)
	if err != nil {
		return "", err
	}
	return state.QRPayload, nil
}

// Verify resolves a scanned payload to the product it was bound to. It fails
// with AuthenticityError when the payload is malformed or forged, names an
// unknown product, differs from the product's bound payload, or resolves to
// a product other than expectedProductID when that is set.
//
// Every attempt is recorded in the scan audit trail.
func (s *Service) Verify(ctx context.Context, payload, expectedProductID string) (*Verification, error) {
	record := models.ScanRecord{
		ID:                s.newID(),
		ExpectedProductID: expectedProductID,
		ScannedAt:         s.now(),
	}

	v, err := s.verify(ctx, payload, expectedProductID, &record)
	if err != nil {
		record.Reason = err.Error()
	} else {
		record.Authentic = true
		v.Scan = record
	}
	s.recordScan(ctx, record)

	if err != nil {
		return nil, err
	}
	return v, nil
}

// Scan verifies a payload without an expected product.
func (s *Service) Scan(ctx context.Context, payload string) (*Verification, error) {
	return s.Verify(ctx, payload, "")
}

func (s *Service) verify(ctx context.Context, payload, expectedProductID string, record *models.ScanRecord) (*Verification, error) {
	p, err := decodeQRPayload(payload)
	if err != nil {
		return nil, err
	}
	record.ProductID = p.ProductID

	if expectedProductID != "" && expectedProductID != p.ProductID {
		return nil, Authenticity("qr code belongs to a different product")
	}

	state, err := s.loadProduct(ctx, p.ProductID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, Authenticity("qr code refers to an unknown product")
	}

	// Labels are checked against the payload stored at creation, not
	// re-signed with the current key, so rotating the key keeps them valid.
	bound, err := decodeQRPayload(state.QRPayload)
	if err != nil || !issuedAs(p, bound) {
		return nil, Authenticity("qr code was not issued for this product")
	}

	history, err := s.GetHistory(ctx, p.ProductID)
	if err != nil {
		return nil, err
	}

	return &Verification{
		Product: *state,
		History: history,
		Custody: Custody(history),
	}, nil
}

// recordScan is best-effort; a failed audit write never fails the scan.
func (s *Service) recordScan(ctx context.Context, record models.ScanRecord) {
	entry := s.log.WithFields(logrus.Fields{
		"product_id": record.ProductID,
		"scan_id":    record.ID,
		"authentic":  record.Authentic,
	})
	if err := s.store.RecordScan(ctx, record); err != nil {
		entry.WithError(err).Warn("record qr scan")
		return
	}
	if record.Authentic {
		entry.Info("qr scan verified")
	} else {
		entry.WithField("reason", record.Reason).Info("qr scan rejected")
	}
}

// ListScans returns the scan audit trail for a product, newest first.
func (s *Service) ListScans(ctx context.Context, productID string, limit int) ([]models.ScanRecord, error) {
	scans, err := s.store.ListScans(ctx, productID, limit)
	if err != nil {
		return nil, s.storageFailure(err, logrus.Fields{"product_id": productID}, "list scans")
	}
	return scans, nil
}
