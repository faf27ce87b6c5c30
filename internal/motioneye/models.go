package motioneye

// Camera is one camera record from the server's config listing. Only the
// fields this daemon consumes are declared; the server sends dozens more.
type Camera struct {
	ID              *int   `json:"id"`
	Name            string `json:"name"`
	Enabled         *bool  `json:"enabled"`
	MotionDetection *bool  `json:"motion_detection"`
	VideoStreaming  *bool  `json:"video_streaming"`
	StreamingPort   int    `json:"streaming_port"`
	// Frames per second and percent of capture resolution for the stream.
	StreamingFramerate  *int `json:"streaming_framerate"`
	StreamingResolution *int `json:"streaming_resolution"`
}

// Acceptable reports whether the record carries the fields required to
// register it. Records failing this are skipped, not errors.
func (c Camera) Acceptable() bool {
	return c.ID != nil && c.Name != ""
}

// Running reports whether the camera is enabled on the server. Rosters
// from older servers omit the flag; those cameras count as running.
func (c Camera) Running() bool {
	return c.Enabled == nil || *c.Enabled
}

// cameraList is the /config/list reply envelope.
type cameraList struct {
	Cameras []Camera `json:"cameras"`
}
