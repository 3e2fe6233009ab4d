package catalog

import "strings"

// ParsedWheelName is the five dash-delimited fields of a wheel filename,
// per PEP 427: {package}-{version}-{interp}-{abi}-{platform}.whl (the
// optional build-tag field is not used by this farm's output and is
// dropped if present).
type ParsedWheelName struct {
	Package  string
	Version  string
	Interp   string
	ABI      string
	Platform string
}

// ParseWheelName splits a wheel filename into its tagged fields,
// reporting ok=false if filename doesn't end in ".whl" or has fewer than
// five dash-separated fields. With more than five, the first two are
// package and version and the last three are interp, abi and platform.
func ParseWheelName(filename string) (ParsedWheelName, bool) {
	name := strings.TrimSuffix(filename, ".whl")
	if name == filename {
		return ParsedWheelName{}, false
	}
	parts := strings.Split(name, "-")
	if len(parts) < 5 {
		return ParsedWheelName{}, false
	}
	// A build tag, if present, is the optional 3rd field; when len==5 there
	// is none and the split lines up directly with the five named fields.
	n := len(parts)
	return ParsedWheelName{
		Package:  parts[0],
		Version:  parts[1],
		Interp:   parts[n-3],
		ABI:      parts[n-2],
		Platform: parts[n-1],
	}, true
}
