package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KeyKind distinguishes how a family identifies its tickets.
type KeyKind string

const (
	KeyKindNumeric KeyKind = "numeric"
	KeyKindString  KeyKind = "string"
)

// Family describes one ticket family: its table, field mapping, spreadsheet
// location and tracker vocabulary. Families replace the near-duplicate
// per-table service instances with one parameterized configuration.
type Family struct {
	Name      string  `yaml:"name"`
	Table     string  `yaml:"table"`
	KeyColumn string  `yaml:"key_column"`
	KeyKind   KeyKind `yaml:"key_kind"`

	// FieldMap translates external API field names to column names. It is
	// the only source of column names; nothing is inferred at request time.
	FieldMap map[string]string `yaml:"field_map"`

	// OwnerField names the API field holding the claiming user. SecondaryOwnerFields
	// are cleared together with it on release and accept explicit nulls.
	OwnerField           string   `yaml:"owner_field"`
	SecondaryOwnerFields []string `yaml:"secondary_owner_fields"`

	StatusField string `yaml:"status_field"`
	NotesColumn string `yaml:"notes_column"`

	// IssueColumn holds the remote tracker issue id. Empty means the ticket
	// key itself is the issue id.
	IssueColumn string `yaml:"issue_column"`

	Sheet   FamilySheet   `yaml:"sheet"`
	Tracker FamilyTracker `yaml:"tracker"`
}

// FamilySheet configures the family's slice of the shared workbook.
type FamilySheet struct {
	Name        string   `yaml:"name"`
	KeySynonyms []string `yaml:"key_synonyms"`
}

// FamilyTracker maps ticket statuses to the tracker's numeric vocabulary and
// tunes the retry policy for this family's call sites.
type FamilyTracker struct {
	StatusCodes       map[string]int `yaml:"status_codes"`
	DefaultStatusCode int            `yaml:"default_status_code"`
	AssigneeID        int            `yaml:"assignee_id"`
	Attempts          int            `yaml:"attempts"`
	RetryDelaySeconds int            `yaml:"retry_delay_seconds"`
}

// RetryDelay returns the fixed inter-attempt delay.
func (t FamilyTracker) RetryDelay() time.Duration {
	if t.RetryDelaySeconds <= 0 {
		return time.Second
	}
	return time.Duration(t.RetryDelaySeconds) * time.Second
}

// StatusCode resolves a status value to the tracker vocabulary, falling back
// to the family default for unrecognized statuses.
func (t FamilyTracker) StatusCode(status string) int {
	if code, ok := t.StatusCodes[status]; ok {
		return code
	}
	return t.DefaultStatusCode
}

// NullableFields lists the API fields whose explicit null must still be
// written (releasing ownership).
func (f *Family) NullableFields() map[string]bool {
	nullable := map[string]bool{f.OwnerField: true}
	for _, field := range f.SecondaryOwnerFields {
		nullable[field] = true
	}
	return nullable
}

// Validate fails fast on an unusable family definition.
func (f *Family) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("family name required")
	}
	if f.Table == "" {
		return fmt.Errorf("family %s: table required", f.Name)
	}
	if f.KeyColumn == "" {
		return fmt.Errorf("family %s: key_column required", f.Name)
	}
	if f.KeyKind != KeyKindNumeric && f.KeyKind != KeyKindString {
		return fmt.Errorf("family %s: key_kind must be %q or %q", f.Name, KeyKindNumeric, KeyKindString)
	}
	if len(f.FieldMap) == 0 {
		return fmt.Errorf("family %s: field_map required", f.Name)
	}
	if f.OwnerField == "" {
		return fmt.Errorf("family %s: owner_field required", f.Name)
	}
	if _, ok := f.FieldMap[f.OwnerField]; !ok {
		return fmt.Errorf("family %s: owner_field %q missing from field_map", f.Name, f.OwnerField)
	}
	for _, field := range f.SecondaryOwnerFields {
		if _, ok := f.FieldMap[field]; !ok {
			return fmt.Errorf("family %s: secondary owner field %q missing from field_map", f.Name, field)
		}
	}
	if f.StatusField == "" {
		return fmt.Errorf("family %s: status_field required", f.Name)
	}
	if _, ok := f.FieldMap[f.StatusField]; !ok {
		return fmt.Errorf("family %s: status_field %q missing from field_map", f.Name, f.StatusField)
	}
	if f.NotesColumn == "" {
		return fmt.Errorf("family %s: notes_column required", f.Name)
	}
	if f.Sheet.Name != "" && len(f.Sheet.KeySynonyms) == 0 {
		return fmt.Errorf("family %s: sheet key_synonyms required", f.Name)
	}
	if f.Tracker.DefaultStatusCode <= 0 {
		return fmt.Errorf("family %s: tracker default_status_code required", f.Name)
	}
	if f.Tracker.Attempts <= 0 {
		return fmt.Errorf("family %s: tracker attempts required", f.Name)
	}
	return nil
}

// Columns returns every column the family touches, for the startup schema check.
func (f *Family) Columns() []string {
	cols := []string{f.KeyColumn, f.NotesColumn}
	if f.IssueColumn != "" {
		cols = append(cols, f.IssueColumn)
	}
	for _, col := range f.FieldMap {
		cols = append(cols, col)
	}
	return cols
}

type familyFile struct {
	Families []*Family `yaml:"families"`
}

// LoadFamilies reads the family registry from path, or returns the built-in
// registry when path is empty. Every family is validated before use.
func LoadFamilies(path string) ([]*Family, error) {
	families := DefaultFamilies()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read families config: %w", err)
		}
		var file familyFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse families config: %w", err)
		}
		if len(file.Families) == 0 {
			return nil, fmt.Errorf("families config %s defines no families", path)
		}
		families = file.Families
	}

	seen := map[string]bool{}
	for _, fam := range families {
		if err := fam.Validate(); err != nil {
			return nil, err
		}
		if seen[fam.Name] {
			return nil, fmt.Errorf("duplicate family %q", fam.Name)
		}
		seen[fam.Name] = true
	}
	return families, nil
}

// DefaultFamilies returns the built-in registry: support calls (numeric id)
// and service-activation requests (alphanumeric SAR number).
func DefaultFamilies() []*Family {
	return []*Family{
		{
			Name:      "chamados",
			Table:     "chamados",
			KeyColumn: "id",
			KeyKind:   KeyKindNumeric,
			FieldMap: map[string]string{
				"nomeSolicitante":   "nome_solicitante",
				"telefone":          "telefone",
				"emailSolicitante":  "email_solicitante",
				"empresa":           "empresa",
				"cidade":            "cidade",
				"tecnologia":        "tecnologia",
				"servicoAfetado":    "servico_afetado",
				"baseAfetada":       "base_afetada",
				"nodeAfetadas":      "node_afetadas",
				"contratosAfetados": "contratos_afetados",
				"tipoReclamacao":    "tipo_reclamacao",
				"detalhesProblema":  "detalhes_problema",
				"testesRealizados":  "testes_realizados",
				"modelEquipamento":  "model_equipamento",
				"status":            "status",
				"responsavel":       "responsavel",
			},
			OwnerField:  "responsavel",
			StatusField: "status",
			NotesColumn: "observacoes",
			Sheet: FamilySheet{
				Name:        "Chamados",
				KeySynonyms: []string{"id"},
			},
			Tracker: FamilyTracker{
				StatusCodes: map[string]int{
					"Pendente":     1,
					"Em Andamento": 2,
					"Concluído":    5,
					"Cancelado":    6,
				},
				DefaultStatusCode: 1,
				AssigneeID:        1,
				Attempts:          2,
				RetryDelaySeconds: 1,
			},
		},
		{
			Name:      "sars",
			Table:     "execucao_sar",
			KeyColumn: "num_sar",
			KeyKind:   KeyKindString,
			FieldMap: map[string]string{
				"status":            "status",
				"cidade":            "cidade",
				"acao":              "acao",
				"areaTecnica":       "area_tecnica",
				"designacao":        "designacao",
				"enderecoNap":       "endereco_nap",
				"quantPort":         "quant_port",
				"caminho":           "caminho",
				"responsavelHub":    "responsavel_hub",
				"responsavelDTC":    "responsavel_dtc",
				"dataVenc":          "data_venc",
				"dataExecucao":      "data_execucao",
				"dataCancelamento":  "data_cancelamento",
				"idadeExecucao":     "idade_execucao",
				"anoMes":            "ano_mes",
			},
			OwnerField:           "responsavelHub",
			SecondaryOwnerFields: []string{"responsavelDTC"},
			StatusField:          "status",
			NotesColumn:          "observacoes",
			IssueColumn:          "id_redmine",
			Sheet: FamilySheet{
				Name:        "ExecucaoSar",
				KeySynonyms: []string{"numsar", "numero", "sar"},
			},
			Tracker: FamilyTracker{
				StatusCodes: map[string]int{
					"Pendente":     1,
					"Em Andamento": 2,
					"Concluído":    3,
					"Cancelado":    5,
				},
				DefaultStatusCode: 1,
				AssigneeID:        1,
				Attempts:          3,
				RetryDelaySeconds: 2,
			},
		},
	}
}
