package schema

// ProxyLocation names a network-egress pool. The set is closed and
// versioned: adding a value requires a matching entry in proxyTimezones.
type ProxyLocation string

const (
	ProxyLocationUSCA           ProxyLocation = "US-CA"
	ProxyLocationUSNY           ProxyLocation = "US-NY"
	ProxyLocationUSTX           ProxyLocation = "US-TX"
	ProxyLocationUSFL           ProxyLocation = "US-FL"
	ProxyLocationUSWA           ProxyLocation = "US-WA"
	ProxyLocationResidential    ProxyLocation = "RESIDENTIAL"
	ProxyLocationResidentialES  ProxyLocation = "RESIDENTIAL_ES"
	ProxyLocationResidentialIE  ProxyLocation = "RESIDENTIAL_IE"
	ProxyLocationResidentialGB  ProxyLocation = "RESIDENTIAL_GB"
	ProxyLocationResidentialIN  ProxyLocation = "RESIDENTIAL_IN"
	ProxyLocationResidentialJP  ProxyLocation = "RESIDENTIAL_JP"
	ProxyLocationResidentialFR  ProxyLocation = "RESIDENTIAL_FR"
	ProxyLocationResidentialDE  ProxyLocation = "RESIDENTIAL_DE"
	ProxyLocationResidentialNZ  ProxyLocation = "RESIDENTIAL_NZ"
	ProxyLocationResidentialZA  ProxyLocation = "RESIDENTIAL_ZA"
	ProxyLocationResidentialAR  ProxyLocation = "RESIDENTIAL_AR"
	ProxyLocationResidentialISP ProxyLocation = "RESIDENTIAL_ISP"
	ProxyLocationNone           ProxyLocation = "NONE"
)

// proxyTimezones maps every pool except NONE to its canonical IANA timezone.
// Residential pools use a representative timezone for their target region.
var proxyTimezones = map[ProxyLocation]string{
	ProxyLocationUSCA:           "America/Los_Angeles",
	ProxyLocationUSNY:           "America/New_York",
	ProxyLocationUSTX:           "America/Chicago",
	ProxyLocationUSFL:           "America/New_York",
	ProxyLocationUSWA:           "America/New_York",
	ProxyLocationResidential:    "America/New_York",
	ProxyLocationResidentialES:  "Europe/Madrid",
	ProxyLocationResidentialIE:  "Europe/Dublin",
	ProxyLocationResidentialGB:  "Europe/London",
	ProxyLocationResidentialIN:  "Asia/Kolkata",
	ProxyLocationResidentialJP:  "Asia/Tokyo",
	ProxyLocationResidentialFR:  "Europe/Paris",
	ProxyLocationResidentialDE:  "Europe/Berlin",
	ProxyLocationResidentialNZ:  "Pacific/Auckland",
	ProxyLocationResidentialZA:  "Africa/Johannesburg",
	ProxyLocationResidentialAR:  "America/Argentina/Buenos_Aires",
	ProxyLocationResidentialISP: "America/New_York",
}

// Timezone returns the IANA timezone identifier for the pool, or "" for
// NONE (no override). Pure; has no failure mode at run time — unknown
// values are rejected at definition time by Valid.
func (p ProxyLocation) Timezone() string {
	return proxyTimezones[p]
}

// Valid reports whether the value is a member of the closed set. The empty
// string is treated as NONE.
func (p ProxyLocation) Valid() bool {
	if p == "" || p == ProxyLocationNone {
		return true
	}
	_, ok := proxyTimezones[p]
	return ok
}
