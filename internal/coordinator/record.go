package coordinator

import (
	"encoding/json"

	"hyperstore/internal/metadata"
)

func filePutRecord(op metadata.FilePutOp) (metadata.Record, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return metadata.Record{}, err
	}
	return metadata.Record{Type: metadata.OpFilePut, Data: data}, nil
}

func marshalFileDelete(owner, name string) ([]byte, error) {
	return json.Marshal(metadata.FileDeleteOp{Owner: owner, Name: name})
}
