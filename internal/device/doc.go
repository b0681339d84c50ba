// Package device resolves the navigation devices attached to the bus.
//
// The bus bridge keeps a table of source address to 64-bit NAME, built from
// ISO Address Claim messages. The Registry turns that table into
// Descriptors (display name + format key) through a NameTable:
//
//	0x123456789ABCDEF0 -> Garmin   (usr)
//	0x0987654321ABCDEF -> Lowrance (hwr)
//
// Unknown NAMEs are dropped silently. Descriptors are recomputed on every
// query; nothing is cached.
//
// For bench setups without a bus, an override list can be configured. It is
// returned verbatim and the bus is never consulted.
//
// # Usage
//
//	reg := device.NewRegistry(busAdapter, nil)
//	reg.SetLogger(log)
//	for _, d := range reg.ListDevices() {
//	    fmt.Println(d.DisplayName, d.FormatKey)
//	}
package device
