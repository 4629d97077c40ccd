package rules

import (
	"fmt"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// OpenGeoIP opens a MaxMind country database for GEOIP matchers.
func OpenGeoIP(path string) (*geoip2.Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("geoip database %q: %w", path, err)
	}
	return geoip2.Open(path)
}
