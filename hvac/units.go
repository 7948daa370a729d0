package hvac

// CToF converts Celsius to Fahrenheit. The cooling-end heuristics operate
// on Fahrenheit magnitudes while sensors report Celsius.
func CToF(c float64) float64 {
	return c*9/5 + 32
}

// FToC converts Fahrenheit to Celsius.
func FToC(f float64) float64 {
	return (f - 32) * 5 / 9
}

// DeltaCToF converts a temperature difference (not an absolute reading)
// from Celsius to Fahrenheit.
func DeltaCToF(dc float64) float64 {
	return dc * 9 / 5
}
