package helmet

import "strings"

// Name fragments advertised by the UART bridge modules fitted to the helmet.
var DefaultNames = []string{"DSD TECH", "DSD-TECH", "HM-10", "68:5E:1C:33:FB:EB"}

// Short forms of the UART bridge service and characteristic UUIDs.
var DefaultServiceIDs = []string{"ffe0", "ffe1"}

const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// Matcher decides whether an advertisement belongs to the target helmet.
type Matcher struct {
	Names      []string
	ServiceIDs []string
}

// NewMatcher returns a Matcher for the given allow-lists, falling back to the defaults.
func NewMatcher(names, serviceIDs []string) *Matcher {
	if len(names) == 0 {
		names = DefaultNames
	}
	if len(serviceIDs) == 0 {
		serviceIDs = DefaultServiceIDs
	}

	ids := make([]string, 0, len(serviceIDs))
	for _, id := range serviceIDs {
		ids = append(ids, NormalizeServiceID(id))
	}

	return &Matcher{Names: names, ServiceIDs: ids}
}

// Matches reports whether the name contains an allow-listed fragment or one of the
// advertised services is allow-listed. Name matching is case-sensitive.
func (m *Matcher) Matches(name string, serviceIDs []string) bool {
	if name != "" {
		for _, n := range m.Names {
			if strings.Contains(name, n) {
				return true
			}
		}
	}

	for _, id := range serviceIDs {
		id = NormalizeServiceID(id)
		for _, allowed := range m.ServiceIDs {
			if id == allowed {
				return true
			}
		}
	}

	return false
}

// NormalizeServiceID lowercases a UUID, strips separators and reduces UUIDs on the
// Bluetooth base to their 16-bit short form.
func NormalizeServiceID(id string) string {
	id = strings.ToLower(strings.Replace(id, "-", "", -1))
	if len(id) == 32 && strings.HasPrefix(id, "0000") && strings.HasSuffix(id, bluetoothBaseSuffix) {
		return id[4:8]
	}
	return id
}
