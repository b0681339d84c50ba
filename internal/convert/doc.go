// Package convert turns the canonical waypoint file into each device's
// native format by running an external converter (gpsbabel by default).
//
// Devices name their format with a short key ("usr", "hwr"). A FormatMap,
// loaded once at startup, resolves keys to converter format names:
//
//	{
//	  "usr": {"format_name": "lowranceusr"},
//	  "hwr": {"format_name": "humminbird"},
//	  "gpx": {"format_name": "gpx"}
//	}
//
// A conversion runs
//
//	gpsbabel -i <source> -f <canonical> -o <target> -F <outdir>/<base>.<key>
//
// A missing input, an unmapped key or a non-zero exit is a failed outcome,
// never a panic or a fatal error. A key absent from the map never reaches
// the converter.
package convert
