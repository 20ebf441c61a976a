// Package lease persists the hardware address to IP address bindings.
package lease

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Record is the last known binding for one hardware address.
// Records are never deleted; a released binding keeps its row.
type Record struct {
	MAC      net.HardwareAddr `json:"mac"`
	IP       net.IP           `json:"ip"`
	Released bool             `json:"released"`
	Updated  time.Time        `json:"updated"`
}

// Active reports whether the record currently holds its address.
func (r *Record) Active() bool {
	return !r.Released
}

// MarshalJSON stores addresses in their textual form.
func (r *Record) MarshalJSON() ([]byte, error) {
	type Alias Record
	return json.Marshal(&struct {
		MAC string `json:"mac"`
		IP  string `json:"ip"`
		*Alias
	}{
		MAC:   r.MAC.String(),
		IP:    r.IP.String(),
		Alias: (*Alias)(r),
	})
}

// UnmarshalJSON implements custom JSON unmarshalling.
func (r *Record) UnmarshalJSON(data []byte) error {
	type Alias Record
	aux := &struct {
		MAC string `json:"mac"`
		IP  string `json:"ip"`
		*Alias
	}{
		Alias: (*Alias)(r),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	mac, err := net.ParseMAC(aux.MAC)
	if err != nil {
		return fmt.Errorf("parsing lease mac %q: %w", aux.MAC, err)
	}
	ip := net.ParseIP(aux.IP).To4()
	if ip == nil {
		return fmt.Errorf("parsing lease ip %q: not an IPv4 address", aux.IP)
	}
	r.MAC = mac
	r.IP = ip
	return nil
}
