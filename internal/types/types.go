// README: Shared identifiers and coordinates.
package types

// ID identifies contractors, requests, dispatches and offers.
type ID string

func (id ID) String() string { return string(id) }

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" firestore:"lat"`
	Lng float64 `json:"lng" firestore:"lng"`
}
