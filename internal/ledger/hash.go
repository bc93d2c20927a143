package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"github.com/safar/provenance-ledger/internal/models"
)

// chainHasher writes length-prefixed fields so adjacent values cannot run together.
type chainHasher struct {
	h hash.Hash
}

func newChainHasher(prevHash string) *chainHasher {
	c := &chainHasher{h: sha256.New()}
	c.str(prevHash)
	return c
}

func (c *chainHasher) str(s string) {
	c.h.Write([]byte(strconv.Itoa(len(s))))
	c.h.Write([]byte{':'})
	c.h.Write([]byte(s))
}

func (c *chainHasher) int(n int64) { c.str(strconv.FormatInt(n, 10)) }

func (c *chainHasher) time(t time.Time) { c.str(t.UTC().Format(time.RFC3339Nano)) }

func (c *chainHasher) sum() string { return hex.EncodeToString(c.h.Sum(nil)) }

// ProductEventHash is the chain hash of ev over its content and PrevHash.
func ProductEventHash(ev models.ProductEvent) string {
	c := newChainHasher(ev.PrevHash)
	c.str(ev.ProductID)
	c.int(ev.EventID)
	c.str(string(ev.Type))
	c.str(ev.ActorID)
	c.time(ev.Timestamp)
	c.str(ev.FromOwner)
	c.str(ev.ToOwner)
	c.str(string(ev.Status))
	c.str(ev.Location)
	c.str(ev.Description)
	c.str(ev.Name)
	c.str(ev.Category)
	c.str(ev.Price.String())
	c.str(ev.QRPayload)
	return c.sum()
}

func OrderEventHash(ev models.OrderEvent) string {
	c := newChainHasher(ev.PrevHash)
	c.str(ev.OrderID)
	c.int(ev.EventID)
	c.str(string(ev.Type))
	c.str(ev.ActorID)
	c.time(ev.Timestamp)
	c.str(string(ev.Status))
	c.str(ev.ProductID)
	c.str(ev.BuyerID)
	c.str(ev.SellerID)
	c.int(int64(ev.Quantity))
	c.str(ev.TotalPrice.String())
	return c.sum()
}
