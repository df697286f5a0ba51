package params

// TileProviderConfig describes the upstream slippy-tile HTTP provider.
// URLTemplate substitutes {z}, {x}, {y} and {server}; {server} rotates
// round-robin over Servers to spread load across provider sub-domains.
type TileProviderConfig struct {
	URLTemplate string
	Servers     []string
}

func DefaultTileProviderConfig() *TileProviderConfig {
	return &TileProviderConfig{
		URLTemplate: "https://{server}.tile.openstreetmap.org/{z}/{x}/{y}.png",
		Servers:     []string{"a", "b", "c"},
	}
}
