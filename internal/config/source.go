package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

const ConfigFile = "etc/systemd/zram-generator.conf"

// Section is one named group of key/value pairs. The unnamed leading
// section of a file has an empty Name.
type Section struct {
	Name   string
	Values map[string]string
}

// Lookup returns the value of key and whether it was set.
func (s Section) Lookup(key string) (string, bool) {
	val, ok := s.Values[key]
	return val, ok
}

// SectionSource lists configuration sections in file order. A source whose
// backing file does not exist returns an error matching fs.ErrNotExist.
type SectionSource interface {
	Sections() ([]Section, error)
}

// IniFile reads sections from an INI file on disk.
type IniFile struct {
	Path string
}

// ConfigPath returns the location of the configuration file under root.
func ConfigPath(root string) string {
	return filepath.Join(root, ConfigFile)
}

func (f IniFile) Sections() ([]Section, error) {
	if _, err := os.Stat(f.Path); err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Path, err)
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment: true,
	}, f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidValue, f.Path, err)
	}

	var sections []Section
	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			if len(section.Keys()) == 0 {
				continue
			}
			name = ""
		}

		values := make(map[string]string, len(section.Keys()))
		for _, key := range section.Keys() {
			values[key.Name()] = key.Value()
		}
		sections = append(sections, Section{Name: name, Values: values})
	}

	return sections, nil
}

// StaticSections is a SectionSource over sections held in memory.
type StaticSections []Section

func (s StaticSections) Sections() ([]Section, error) {
	return s, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
