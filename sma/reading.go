package sma

// WeightReading is the decoded result of a weight frame.
//
// Mass carries the value exactly as transmitted by the device, including its
// sign and decimal scaling; the codec never rounds or rescales it. Units is
// the unit symbol from the frame, and is empty when the reading has not
// settled yet. Stable reports whether the displayed weight has settled.
type WeightReading struct {
	Mass   float64 `json:"mass"`
	Units  string  `json:"units"`
	Stable bool    `json:"stable"`
}

// DeviceInfo is the decoded device identity, assembled from the model,
// serial, and software version replies.
type DeviceInfo struct {
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Software string `json:"software"`
}
