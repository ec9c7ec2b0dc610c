package grib2

import (
	"fmt"
	"strconv"
	"strings"
)

// Parameter describes a GRIB2 parameter by its wgrib2 abbreviation and its
// ecCodes short name.
type Parameter struct {
	Abbrev    string
	ShortName string
	Name      string
	Units     string
}

type paramKey struct {
	discipline, category, number uint8
}

// Code Table 4.2, plus the NCEP local entries the HRRR, NAM and GFS
// products carry.
var parameters = map[paramKey]Parameter{
	{0, 0, 0}:    {"TMP", "t", "Temperature", "K"},
	{0, 0, 2}:    {"POT", "pt", "Potential temperature", "K"},
	{0, 0, 4}:    {"TMAX", "tmax", "Maximum temperature", "K"},
	{0, 0, 5}:    {"TMIN", "tmin", "Minimum temperature", "K"},
	{0, 0, 6}:    {"DPT", "dpt", "Dew point temperature", "K"},
	{0, 1, 0}:    {"SPFH", "q", "Specific humidity", "kg kg**-1"},
	{0, 1, 1}:    {"RH", "r", "Relative humidity", "%"},
	{0, 1, 3}:    {"PWAT", "pwat", "Precipitable water", "kg m**-2"},
	{0, 1, 7}:    {"PRATE", "prate", "Precipitation rate", "kg m**-2 s**-1"},
	{0, 1, 8}:    {"APCP", "tp", "Total precipitation", "kg m**-2"},
	{0, 1, 11}:   {"SNOD", "sde", "Snow depth", "m"},
	{0, 1, 13}:   {"WEASD", "sdwe", "Water equivalent of accumulated snow depth", "kg m**-2"},
	{0, 1, 192}:  {"CRAIN", "crain", "Categorical rain", "Code table 4.222"},
	{0, 1, 193}:  {"CFRZR", "cfrzr", "Categorical freezing rain", "Code table 4.222"},
	{0, 1, 194}:  {"CICEP", "cicep", "Categorical ice pellets", "Code table 4.222"},
	{0, 1, 195}:  {"CSNOW", "csnow", "Categorical snow", "Code table 4.222"},
	{0, 2, 1}:    {"WIND", "ws", "Wind speed", "m s**-1"},
	{0, 2, 2}:    {"UGRD", "u", "U component of wind", "m s**-1"},
	{0, 2, 3}:    {"VGRD", "v", "V component of wind", "m s**-1"},
	{0, 2, 8}:    {"VVEL", "w", "Vertical velocity", "Pa s**-1"},
	{0, 2, 22}:   {"GUST", "gust", "Wind speed (gust)", "m s**-1"},
	{0, 3, 0}:    {"PRES", "sp", "Pressure", "Pa"},
	{0, 3, 1}:    {"PRMSL", "prmsl", "Pressure reduced to MSL", "Pa"},
	{0, 3, 5}:    {"HGT", "gh", "Geopotential height", "gpm"},
	{0, 3, 192}:  {"MSLET", "mslet", "MSLP (Eta model reduction)", "Pa"},
	{0, 6, 1}:    {"TCDC", "tcc", "Total cloud cover", "%"},
	{0, 6, 3}:    {"LCDC", "lcc", "Low cloud cover", "%"},
	{0, 6, 4}:    {"MCDC", "mcc", "Medium cloud cover", "%"},
	{0, 6, 5}:    {"HCDC", "hcc", "High cloud cover", "%"},
	{0, 7, 6}:    {"CAPE", "cape", "Convective available potential energy", "J kg**-1"},
	{0, 7, 7}:    {"CIN", "cin", "Convective inhibition", "J kg**-1"},
	{0, 7, 10}:   {"LFTX", "lftx", "Surface lifted index", "K"},
	{0, 16, 195}: {"REFD", "refd", "Reflectivity", "dB"},
	{0, 16, 196}: {"REFC", "refc", "Composite reflectivity", "dB"},
	{0, 17, 192}: {"LTNG", "ltng", "Lightning", "dimensionless"},
	{0, 19, 0}:   {"VIS", "vis", "Visibility", "m"},
	{0, 19, 1}:   {"ALBDO", "al", "Albedo", "%"},
	{2, 0, 0}:    {"LAND", "lsm", "Land cover (1=land, 0=sea)", "Proportion"},
	{10, 0, 3}:   {"HTSGW", "swh", "Significant height of combined wind waves and swell", "m"},
	{10, 2, 0}:   {"ICEC", "siconc", "Ice cover", "Proportion"},
}

// Parameter returns the parameter of the field. Unknown parameters get a
// wgrib2 style "var" name.
func (f *Field) Parameter() Parameter {
	return LookupParameter(f.Discipline, f.Product.Category, f.Product.Number)
}

// LookupParameter returns the parameter for a discipline, category and
// number triple.
func LookupParameter(discipline, category, number uint8) Parameter {
	if p, ok := parameters[paramKey{discipline, category, number}]; ok {
		return p
	}
	name := fmt.Sprintf("var%d_%d_%d", discipline, category, number)
	return Parameter{Abbrev: name, ShortName: name, Name: "unknown", Units: "unknown"}
}

// heightRenames mirrors the variable names cfgrib gives to screen-level and
// 10 m fields.
var heightRenames = map[float64]map[string]string{
	2: {
		"t":   "t2m",
		"dpt": "d2m",
		"r":   "r2",
		"q":   "sh2",
	},
	10: {
		"u":  "u10",
		"v":  "v10",
		"ws": "si10",
	},
}

// VariableName returns the dataset variable name of the field, e.g. "t" for
// temperature on an isobaric level and "t2m" for 2 m temperature.
func (f *Field) VariableName() string {
	p := f.Parameter()
	s := f.Product.Surface1
	if s.Type == 103 {
		if r, ok := heightRenames[s.Value][p.ShortName]; ok {
			return r
		}
	}
	return p.ShortName
}

type levelType struct {
	name    string // ecCodes typeOfLevel
	text    string // wgrib2 level text; %s is replaced by the value
	divisor float64
}

// Code Table 4.5 and the NCEP local cloud layers.
var levelTypes = map[uint8]levelType{
	1:   {"surface", "surface", 1},
	2:   {"cloudBase", "cloud base", 1},
	3:   {"cloudTop", "cloud top", 1},
	4:   {"isothermZero", "0C isotherm", 1},
	8:   {"nominalTop", "top of atmosphere", 1},
	10:  {"atmosphere", "entire atmosphere", 1},
	100: {"isobaricInhPa", "%s mb", 100},
	101: {"meanSea", "mean sea level", 1},
	102: {"heightAboveSea", "%s m above mean sea level", 1},
	103: {"heightAboveGround", "%s m above ground", 1},
	106: {"depthBelowLandLayer", "%s m below ground", 1},
	200: {"atmosphereSingleLayer", "entire atmosphere (considered as a single layer)", 1},
	214: {"lowCloudLayer", "low cloud layer", 1},
	224: {"middleCloudLayer", "middle cloud layer", 1},
	234: {"highCloudLayer", "high cloud layer", 1},
}

// TypeOfLevel returns the ecCodes name of the first fixed surface.
func (f *Field) TypeOfLevel() string {
	if lt, ok := levelTypes[f.Product.Surface1.Type]; ok {
		return lt.name
	}
	return "level" + strconv.Itoa(int(f.Product.Surface1.Type))
}

// Level returns the value of the first fixed surface in the units ecCodes
// reports it in (hPa for isobaric levels).
func (f *Field) Level() float64 {
	s := f.Product.Surface1
	if lt, ok := levelTypes[s.Type]; ok {
		return s.Value / lt.divisor
	}
	return s.Value
}

// LevelText returns the wgrib2 description of the level, e.g. "2 m above
// ground" or "0-0.1 m below ground".
func (f *Field) LevelText() string {
	s1, s2 := f.Product.Surface1, f.Product.Surface2
	lt, ok := levelTypes[s1.Type]
	if !ok {
		return fmt.Sprintf("level %d", s1.Type)
	}
	if !strings.Contains(lt.text, "%s") {
		return lt.text
	}
	v := formatLevel(s1.Value / lt.divisor)
	if !s2.Missing && s2.Type == s1.Type {
		v += "-" + formatLevel(s2.Value/lt.divisor)
	}
	return strings.Replace(lt.text, "%s", v, 1)
}

func formatLevel(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ForecastText returns the wgrib2 description of the forecast time, e.g.
// "anl" or "6 hour fcst".
func (f *Field) ForecastText() string {
	p := f.Product
	if p.ForecastTime == 0 && (p.Template == 0 || p.Template == 1) {
		return "anl"
	}
	unit := "hour"
	switch p.TimeUnit {
	case 0:
		unit = "min"
	case 2:
		unit = "day"
	case 13:
		unit = "sec"
	}
	v := p.ForecastTime
	switch p.TimeUnit {
	case 10:
		v *= 3
	case 11:
		v *= 6
	case 12:
		v *= 12
	}
	if p.Template == 8 || p.Template == 11 || p.Template == 12 {
		return fmt.Sprintf("%d %s ave/acc fcst", v, unit)
	}
	return fmt.Sprintf("%d %s fcst", v, unit)
}
