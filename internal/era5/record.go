package era5

// Variable is a single time step of an ERA5 variable on its latitude/longitude
// grid.
type Variable struct {
	Name     string
	LongName string
	Units    string

	// Dimensions
	Timestamp int64 // unix milliseconds
	Latitude  []float64
	Longitude []float64
	Level     float64 // pressure level in hPa when HasLevel is set
	HasLevel  bool

	// Values are latitude major with NaN where the file holds a fill value.
	Values []float64
}
