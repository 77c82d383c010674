package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
)

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: cbor enc mode: %v", err))
	}
}

// SaveJSON writes res as indented JSON.
func SaveJSON(res *pipeline.Result, out string) error {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(out, b)
}

func LoadJSON(path string) (*pipeline.Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res pipeline.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &res, nil
}

// SaveCBOR writes res in deterministic CBOR.
func SaveCBOR(res *pipeline.Result, out string) error {
	b, err := cborEnc.Marshal(res)
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(out, b)
}

func LoadCBOR(path string) (*pipeline.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var res pipeline.Result
	if err := cbor.NewDecoder(bufio.NewReader(f)).Decode(&res); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &res, nil
}
