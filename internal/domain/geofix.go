package domain

// ApplyFix writes c into the profile's coordinates when c is valid and reports
// whether it did. Invalid or absent coordinates leave the profile untouched.
func ApplyFix(p *Profile, c Coordinates) bool {
	if p == nil || !c.Valid() {
		return false
	}
	lat, lon := c[0], c[1]
	p.Latitude = &lat
	p.Longitude = &lon
	return true
}
