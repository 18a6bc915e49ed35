package vehiclecolor

// hsvBound is an inclusive HSV corner in OpenCV 8-bit scale:
// hue 0-180, saturation and value 0-255.
type hsvBound [3]uint8

type hsvInterval struct {
	Lo, Hi hsvBound
}

func (iv hsvInterval) contains(h, s, v uint8) bool {
	return h >= iv.Lo[0] && h <= iv.Hi[0] &&
		s >= iv.Lo[1] && s <= iv.Hi[1] &&
		v >= iv.Lo[2] && v <= iv.Hi[2]
}

// colorRange maps a label to one or more HSV intervals. Hues that wrap
// the circle (red, burgundy) use two intervals combined with OR.
type colorRange struct {
	Name      string
	Intervals []hsvInterval
}

func (r colorRange) contains(h, s, v uint8) bool {
	for _, iv := range r.Intervals {
		if iv.contains(h, s, v) {
			return true
		}
	}
	return false
}

func span(lo, hi hsvBound) hsvInterval { return hsvInterval{Lo: lo, Hi: hi} }

// Table order is the tie-break order when scores are equal.
var dayRanges = []colorRange{
	{"white", []hsvInterval{span(hsvBound{0, 0, 200}, hsvBound{180, 30, 255})}},
	{"black", []hsvInterval{span(hsvBound{0, 0, 0}, hsvBound{180, 30, 50})}},
	{"red", []hsvInterval{
		span(hsvBound{0, 50, 50}, hsvBound{10, 255, 255}),
		span(hsvBound{170, 50, 50}, hsvBound{180, 255, 255}),
	}},
	{"blue", []hsvInterval{span(hsvBound{100, 50, 50}, hsvBound{130, 255, 255})}},
	{"silver", []hsvInterval{span(hsvBound{0, 0, 140}, hsvBound{180, 30, 200})}},
	{"gray", []hsvInterval{span(hsvBound{0, 0, 70}, hsvBound{180, 30, 140})}},
	{"metallic_blue", []hsvInterval{span(hsvBound{100, 30, 70}, hsvBound{130, 150, 255})}},
	{"dark_metallic_blue", []hsvInterval{span(hsvBound{100, 30, 50}, hsvBound{130, 150, 200})}},
	{"light_metallic_blue", []hsvInterval{span(hsvBound{100, 20, 100}, hsvBound{130, 120, 255})}},
	{"pearl_white", []hsvInterval{span(hsvBound{0, 0, 180}, hsvBound{180, 20, 255})}},
	{"metallic_gray", []hsvInterval{span(hsvBound{0, 0, 100}, hsvBound{180, 30, 180})}},
	{"metallic_silver", []hsvInterval{span(hsvBound{0, 0, 160}, hsvBound{180, 25, 220})}},
	{"metallic_black", []hsvInterval{span(hsvBound{0, 0, 20}, hsvBound{180, 30, 80})}},
	{"burgundy", []hsvInterval{
		span(hsvBound{0, 50, 20}, hsvBound{10, 255, 150}),
		span(hsvBound{170, 50, 20}, hsvBound{180, 255, 150}),
	}},
	{"brown", []hsvInterval{span(hsvBound{10, 30, 20}, hsvBound{20, 255, 200})}},
	{"beige", []hsvInterval{span(hsvBound{20, 10, 170}, hsvBound{30, 50, 255})}},
	{"gold", []hsvInterval{span(hsvBound{20, 30, 100}, hsvBound{30, 150, 255})}},
	{"green", []hsvInterval{span(hsvBound{40, 50, 50}, hsvBound{80, 255, 255})}},
	{"yellow", []hsvInterval{span(hsvBound{20, 50, 50}, hsvBound{35, 255, 255})}},
}

// Night ranges are stricter on saturation to resist sodium-lamp casts.
var nightRanges = []colorRange{
	{"white", []hsvInterval{span(hsvBound{0, 0, 180}, hsvBound{180, 40, 255})}},
	{"black", []hsvInterval{span(hsvBound{0, 0, 0}, hsvBound{180, 45, 40})}},
	{"red", []hsvInterval{
		span(hsvBound{0, 60, 40}, hsvBound{10, 255, 255}),
		span(hsvBound{170, 60, 40}, hsvBound{180, 255, 255}),
	}},
	{"blue", []hsvInterval{span(hsvBound{100, 60, 40}, hsvBound{130, 255, 255})}},
	{"silver", []hsvInterval{span(hsvBound{0, 0, 130}, hsvBound{180, 40, 200})}},
	{"gray", []hsvInterval{span(hsvBound{0, 0, 60}, hsvBound{180, 40, 130})}},
	{"metallic_blue", []hsvInterval{span(hsvBound{100, 40, 60}, hsvBound{130, 160, 255})}},
	{"dark_metallic_blue", []hsvInterval{span(hsvBound{100, 40, 40}, hsvBound{130, 160, 200})}},
	{"light_metallic_blue", []hsvInterval{span(hsvBound{100, 30, 90}, hsvBound{130, 130, 255})}},
	{"pearl_white", []hsvInterval{span(hsvBound{0, 0, 170}, hsvBound{180, 30, 255})}},
	{"metallic_gray", []hsvInterval{span(hsvBound{0, 0, 90}, hsvBound{180, 40, 170})}},
	{"metallic_silver", []hsvInterval{span(hsvBound{0, 0, 150}, hsvBound{180, 35, 220})}},
	{"metallic_black", []hsvInterval{span(hsvBound{0, 0, 10}, hsvBound{180, 40, 70})}},
	{"burgundy", []hsvInterval{
		span(hsvBound{0, 60, 20}, hsvBound{10, 255, 140}),
		span(hsvBound{170, 60, 20}, hsvBound{180, 255, 140}),
	}},
	{"brown", []hsvInterval{span(hsvBound{10, 40, 20}, hsvBound{20, 255, 180})}},
	{"beige", []hsvInterval{span(hsvBound{20, 20, 160}, hsvBound{30, 60, 255})}},
	{"gold", []hsvInterval{span(hsvBound{20, 50, 120}, hsvBound{30, 150, 255})}},
	{"green", []hsvInterval{span(hsvBound{40, 60, 40}, hsvBound{80, 255, 255})}},
	{"yellow", []hsvInterval{span(hsvBound{20, 70, 70}, hsvBound{35, 255, 255})}},
}

var metallicColors = map[string]bool{
	"metallic_blue":       true,
	"dark_metallic_blue":  true,
	"light_metallic_blue": true,
	"metallic_gray":       true,
	"metallic_silver":     true,
	"metallic_black":      true,
	"pearl_white":         true,
}

// families groups shades that must not be reported as a two-tone pair.
var families = map[string]string{
	"pearl_white":         "white",
	"metallic_black":      "black",
	"metallic_silver":     "silver",
	"metallic_gray":       "gray",
	"metallic_blue":       "blue",
	"dark_metallic_blue":  "blue",
	"light_metallic_blue": "blue",
	"burgundy":            "red",
}

func family(name string) string {
	if f, ok := families[name]; ok {
		return f
	}
	return name
}
