package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/freqevolve/internal/domain"
)

// CodecVersion is the record layout written by this package. Decoding
// rejects documents written with a newer version.
const CodecVersion = 1

// envelope wraps every checkpoint document.
type envelope struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	SavedAt time.Time       `json:"saved_at"`
	Payload json.RawMessage `json:"payload"`
}

// valueRecord keeps the parameter kind explicit so that an int survives the
// round trip as an int.
type valueRecord struct {
	Kind  string        `json:"kind"`
	Int   *int64        `json:"int,omitempty"`
	Float *float64      `json:"float,omitempty"`
	Bool  *bool         `json:"bool,omitempty"`
	Str   *string       `json:"str,omitempty"`
	List  []valueRecord `json:"list,omitempty"`
}

type genomeRecord struct {
	Version      int                    `json:"v"`
	ID           uuid.UUID              `json:"id"`
	Name         string                 `json:"name"`
	StrategyType string                 `json:"strategy_type"`
	Parameters   map[string]valueRecord `json:"parameters"`
	Performance  map[string]float64     `json:"performance,omitempty"`
	EvalError    string                 `json:"eval_error,omitempty"`
	Generation   int                    `json:"generation"`
	ParentIDs    []uuid.UUID            `json:"parent_ids"`
	CreatedAt    time.Time              `json:"created_at"`
}

type stateRecord struct {
	Version        int                    `json:"v"`
	RunID          uuid.UUID              `json:"run_id"`
	StrategyType   string                 `json:"strategy_type"`
	Generation     int                    `json:"generation"`
	Config         domain.EvolutionConfig `json:"config"`
	BacktestConfig domain.BacktestConfig  `json:"backtest_config"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func encodeValue(v domain.Value) valueRecord {
	r := valueRecord{Kind: string(v.Kind)}
	switch v.Kind {
	case domain.KindInt:
		i := v.Int
		r.Int = &i
	case domain.KindFloat:
		f := v.Float
		r.Float = &f
	case domain.KindBool:
		b := v.Bool
		r.Bool = &b
	case domain.KindString:
		s := v.Str
		r.Str = &s
	case domain.KindList:
		r.List = make([]valueRecord, len(v.List))
		for i, item := range v.List {
			r.List[i] = encodeValue(item)
		}
	}
	return r
}

func decodeValue(r valueRecord) (domain.Value, error) {
	switch domain.ValueKind(r.Kind) {
	case domain.KindInt:
		if r.Int == nil {
			return domain.Value{}, fmt.Errorf("int value is missing")
		}
		return domain.IntValue(*r.Int), nil
	case domain.KindFloat:
		if r.Float == nil {
			return domain.Value{}, fmt.Errorf("float value is missing")
		}
		return domain.FloatValue(*r.Float), nil
	case domain.KindBool:
		if r.Bool == nil {
			return domain.Value{}, fmt.Errorf("bool value is missing")
		}
		return domain.BoolValue(*r.Bool), nil
	case domain.KindString:
		if r.Str == nil {
			return domain.Value{}, fmt.Errorf("string value is missing")
		}
		return domain.StringValue(*r.Str), nil
	case domain.KindList:
		items := make([]domain.Value, len(r.List))
		for i, item := range r.List {
			v, err := decodeValue(item)
			if err != nil {
				return domain.Value{}, err
			}
			items[i] = v
		}
		return domain.ListValue(items...), nil
	default:
		return domain.Value{}, fmt.Errorf("unknown value kind %q", r.Kind)
	}
}

// encodeGenome converts a genome into its versioned record.
func encodeGenome(g *domain.Genome) genomeRecord {
	params := make(map[string]valueRecord, len(g.Parameters))
	for name, v := range g.Parameters {
		params[name] = encodeValue(v)
	}
	parents := g.ParentIDs
	if parents == nil {
		parents = []uuid.UUID{}
	}
	return genomeRecord{
		Version:      CodecVersion,
		ID:           g.ID,
		Name:         g.Name,
		StrategyType: g.StrategyType,
		Parameters:   params,
		Performance:  g.Performance.Clone(),
		EvalError:    g.EvalError,
		Generation:   g.Generation,
		ParentIDs:    parents,
		CreatedAt:    g.CreatedAt,
	}
}

// decodeGenome rebuilds a genome from its record.
func decodeGenome(r genomeRecord) (*domain.Genome, error) {
	if r.Version > CodecVersion {
		return nil, fmt.Errorf("genome %s: unsupported record version %d", r.ID, r.Version)
	}
	params := make(domain.Parameters, len(r.Parameters))
	for name, vr := range r.Parameters {
		v, err := decodeValue(vr)
		if err != nil {
			return nil, fmt.Errorf("genome %s parameter %s: %w", r.ID, name, err)
		}
		params[name] = v
	}
	parents := make([]uuid.UUID, len(r.ParentIDs))
	copy(parents, r.ParentIDs)

	var perf domain.Performance
	if r.Performance != nil {
		perf = domain.Performance(r.Performance).Clone()
	}

	return &domain.Genome{
		ID:           r.ID,
		Name:         r.Name,
		StrategyType: r.StrategyType,
		Parameters:   params,
		Performance:  perf,
		EvalError:    r.EvalError,
		Generation:   r.Generation,
		ParentIDs:    parents,
		CreatedAt:    r.CreatedAt,
	}, nil
}

func encodeGenomes(genomes []*domain.Genome) []genomeRecord {
	out := make([]genomeRecord, 0, len(genomes))
	for _, g := range genomes {
		if g == nil {
			continue
		}
		out = append(out, encodeGenome(g))
	}
	return out
}

func decodeGenomes(records []genomeRecord) ([]*domain.Genome, error) {
	out := make([]*domain.Genome, 0, len(records))
	for _, r := range records {
		g, err := decodeGenome(r)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func seal(kind string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	data, err := json.Marshal(envelope{
		Version: CodecVersion,
		Kind:    kind,
		SavedAt: time.Now().UTC(),
		Payload: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", kind, err)
	}
	return data, nil
}

func open(kind string, data []byte, payload interface{}) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode %s envelope: %w", kind, err)
	}
	if env.Version > CodecVersion {
		return fmt.Errorf("%s: unsupported document version %d", kind, env.Version)
	}
	if env.Kind != kind {
		return fmt.Errorf("expected %s document, found %q", kind, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return nil
}

// EncodePopulation encodes a genome list document (current population or
// best strategies).
func EncodePopulation(kind string, genomes []*domain.Genome) ([]byte, error) {
	return seal(kind, encodeGenomes(genomes))
}

// DecodePopulation decodes a genome list document.
func DecodePopulation(kind string, data []byte) ([]*domain.Genome, error) {
	var records []genomeRecord
	if err := open(kind, data, &records); err != nil {
		return nil, err
	}
	return decodeGenomes(records)
}

// EncodeHistory encodes the run id → genomes archive.
func EncodeHistory(history map[string][]*domain.Genome) ([]byte, error) {
	payload := make(map[string][]genomeRecord, len(history))
	for runID, genomes := range history {
		payload[runID] = encodeGenomes(genomes)
	}
	return seal(DocHistory, payload)
}

// DecodeHistory decodes the history archive.
func DecodeHistory(data []byte) (map[string][]*domain.Genome, error) {
	var payload map[string][]genomeRecord
	if err := open(DocHistory, data, &payload); err != nil {
		return nil, err
	}
	out := make(map[string][]*domain.Genome, len(payload))
	for runID, records := range payload {
		genomes, err := decodeGenomes(records)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", runID, err)
		}
		out[runID] = genomes
	}
	return out, nil
}

// EncodeState encodes the run state document.
func EncodeState(state *domain.EvolutionState) ([]byte, error) {
	return seal(DocState, stateRecord{
		Version:        CodecVersion,
		RunID:          state.RunID,
		StrategyType:   state.StrategyType,
		Generation:     state.Generation,
		Config:         state.Config,
		BacktestConfig: state.BacktestConfig,
		UpdatedAt:      state.UpdatedAt,
	})
}

// DecodeState decodes the run state document.
func DecodeState(data []byte) (*domain.EvolutionState, error) {
	var r stateRecord
	if err := open(DocState, data, &r); err != nil {
		return nil, err
	}
	return &domain.EvolutionState{
		RunID:          r.RunID,
		StrategyType:   r.StrategyType,
		Generation:     r.Generation,
		Config:         r.Config,
		BacktestConfig: r.BacktestConfig,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}
