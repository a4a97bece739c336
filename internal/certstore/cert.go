package certstore

import (
	"container/list"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"
	"time"
)

const (
	leafKeyBits     = 4096
	leafValidity    = 90 * 24 * time.Hour
	leafTTL         = 89 * 24 * time.Hour // validity minus slack, per §3
	defaultCacheCap = 8192
)

// Chain is a minted leaf certificate together with the root it chains to,
// in the {leaf, root} order the spec requires callers to observe.
type Chain struct {
	Leaf *x509.Certificate
	Root *x509.Certificate
	TLS  *tls.Certificate // ready to hand to tls.Config.Certificates
}

// mintSlot is a singleflight-style in-flight marker: concurrent mint
// calls for the same host converge on one signing operation.
type mintSlot struct {
	once   sync.Once
	chain  *Chain
	err    error
	expire time.Time
}

// Cache mints and caches per-host leaf certificates signed by a CA,
// bounded by cap entries (see NewCacheWithCapacity) and evicted by both
// TTL and least-recently-used order.
type Cache struct {
	ca  *CA
	cap int

	mu      sync.Mutex
	entries map[string]*list.Element // host -> *entry, guarded by mu
	order   *list.List               // most-recently-used at the front

	inflight sync.Map // host -> *mintSlot, for mint deduplication
}

type entry struct {
	host      string
	chain     *Chain
	expiresAt time.Time
}

// NewCache creates a leaf certificate cache backed by the given CA, with
// the default capacity of defaultCacheCap entries.
func NewCache(ca *CA) *Cache {
	return NewCacheWithCapacity(ca, defaultCacheCap)
}

// NewCacheWithCapacity creates a leaf certificate cache backed by the
// given CA, bounded at capacity entries. capacity <= 0 falls back to
// defaultCacheCap.
func NewCacheWithCapacity(ca *CA, capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCacheCap
	}
	return &Cache{
		ca:      ca,
		cap:     capacity,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Mint returns a cached chain for host if present and unexpired;
// otherwise it synthesises one, inserts it, and returns it. Concurrent
// callers for the same host converge on a single signing operation.
func (c *Cache) Mint(host string) (*Chain, error) {
	if chain, ok := c.lookup(host); ok {
		return chain, nil
	}

	slotVal, _ := c.inflight.LoadOrStore(host, &mintSlot{})
	slot := slotVal.(*mintSlot)

	slot.once.Do(func() {
		defer c.inflight.Delete(host)
		// A previous slot may have inserted between our lookup and LoadOrStore.
		if cached, ok := c.lookup(host); ok {
			slot.chain = cached
			return
		}
		chain, err := c.generateLeaf(host)
		slot.chain, slot.err = chain, err
		if err == nil {
			c.insert(host, chain)
		}
	})

	return slot.chain, slot.err
}

func (c *Cache) lookup(host string) (*Chain, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[host]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, host)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.chain, true
}

func (c *Cache) insert(host string, chain *Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[host]; ok {
		c.order.Remove(el)
		delete(c.entries, host)
	}

	el := c.order.PushFront(&entry{
		host:      host,
		chain:     chain,
		expiresAt: time.Now().Add(leafTTL),
	})
	c.entries[host] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).host)
	}
}

// generateLeaf synthesises a new leaf certificate for host, signed by
// the cache's root CA.
func (c *Cache) generateLeaf(host string) (*Chain, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key for %s: %w", host, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate leaf serial for %s: %w", host, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{rootOrg},
		},
		DNSNames:              []string{host, "*." + host},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
		AuthorityKeyId:        c.ca.Cert.SubjectKeyId,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.ca.Cert, &key.PublicKey, c.ca.Key)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate for %s: %w", host, err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate for %s: %w", host, err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER, c.ca.Cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}

	return &Chain{Leaf: leaf, Root: c.ca.Cert, TLS: tlsCert}, nil
}
