package catalog

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehr/assessments/internal/engine"
)

// tableFile is sex -> age -> band.
type tableFile map[string]map[int]engine.BMIBand

func loadTables(fsys fs.FS) (map[string]engine.BMITable, error) {
	names, err := fs.Glob(fsys, "tables/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables := make(map[string]engine.BMITable, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var tf tableFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		table, err := buildTable(tf)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		tables[strings.TrimSuffix(path.Base(name), ".yaml")] = table
	}
	return tables, nil
}

func buildTable(tf tableFile) (engine.BMITable, error) {
	table := make(engine.BMITable)
	for sexName, rows := range tf {
		sex := engine.NormalizeSex(sexName)
		if sex == "" {
			return nil, fmt.Errorf("unknown sex %q", sexName)
		}
		for age, band := range rows {
			if !(band.SeverelyUnderweightMax < band.UnderweightMax &&
				band.UnderweightMax < band.NormalMax &&
				band.NormalMax < band.SeverelyOverweightMin) {
				return nil, fmt.Errorf("%s age %d: bands must increase", sexName, age)
			}
			table[engine.BMIKey{Sex: sex, Age: age}] = band
		}
	}
	return table, nil
}
