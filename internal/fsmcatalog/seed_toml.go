package fsmcatalog

import "github.com/BurntSushi/toml"

// decodeTOML parses a TOML catalog seed fixture, the alternate format
// offered alongside YAML for operators who maintain their catalog in
// TOML.
func decodeTOML(data []byte, seed *Seed) error {
	_, err := toml.Decode(string(data), seed)
	return err
}
