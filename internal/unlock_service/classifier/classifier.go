package classifier

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"sort"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
)

// Classifier answers "does this IP belong to a known carrier's mobile data
// network". The range table is loaded once at startup and is immutable
// afterwards, so Classify is safe for unlimited concurrent callers.
type Classifier struct {
	ranges []domain.CarrierRange // sorted by network address
}

// rangeFile is the on-disk shape of configs/carrier_ranges.json.
type rangeFile struct {
	Ranges []struct {
		CIDR    string `json:"cidr"`
		Carrier string `json:"carrier"`
		Code    string `json:"code"`
		Country string `json:"country"`
	} `json:"ranges"`
}

// LoadFromFile reads the carrier range table from path.
func LoadFromFile(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading carrier ranges: %w", err)
	}

	var file rangeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing carrier ranges: %w", err)
	}

	ranges := make([]domain.CarrierRange, 0, len(file.Ranges))
	for _, r := range file.Ranges {
		prefix, err := netip.ParsePrefix(r.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid carrier range %q: %w", r.CIDR, err)
		}
		ranges = append(ranges, domain.CarrierRange{
			CIDR: prefix.Masked(),
			Carrier: domain.CarrierInfo{
				Name:    r.Carrier,
				Code:    r.Code,
				Country: r.Country,
			},
		})
	}

	return New(ranges), nil
}

// New builds a classifier over the given ranges.
func New(ranges []domain.CarrierRange) *Classifier {
	sorted := make([]domain.CarrierRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].CIDR.Addr().Compare(sorted[j].CIDR.Addr()); c != 0 {
			return c < 0
		}
		// Same network address: broader prefix first so nested ranges follow
		// their enclosing range.
		return sorted[i].CIDR.Bits() < sorted[j].CIDR.Bits()
	})
	return &Classifier{ranges: sorted}
}

// Len returns the number of configured ranges.
func (c *Classifier) Len() int {
	return len(c.ranges)
}

// Classify maps an IP to a network type and, for mobile traffic, the owning
// carrier. Longest-prefix match; no match means UNKNOWN, which billing treats
// as ineligible (fails closed). Pure and deterministic: identical input gives
// identical output, which billing-dispute audits rely on.
func (c *Classifier) Classify(ip netip.Addr) domain.Classification {
	if !ip.IsValid() {
		return domain.Classification{NetworkType: domain.NetworkTypeUnknown}
	}
	ip = ip.Unmap()

	// Binary search for the last range whose network address is <= ip, then
	// walk back over the candidates. Ranges nest but the table holds at most
	// a few hundred entries, so the backward walk is short.
	idx := sort.Search(len(c.ranges), func(i int) bool {
		return c.ranges[i].CIDR.Addr().Compare(ip) > 0
	}) - 1

	var best *domain.CarrierRange
	for i := idx; i >= 0; i-- {
		r := &c.ranges[i]
		if r.CIDR.Contains(ip) {
			if best == nil || r.CIDR.Bits() > best.CIDR.Bits() {
				best = r
			}
		}
	}

	if best == nil {
		return domain.Classification{NetworkType: domain.NetworkTypeUnknown}
	}
	carrier := best.Carrier
	return domain.Classification{
		NetworkType: domain.NetworkTypeMobile,
		Carrier:     &carrier,
	}
}
