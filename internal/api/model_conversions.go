package api

import (
	"dobbe-backend/internal/database"
	"dobbe-backend/pkg/api"
)

func convertChain(c database.Chain) (api.Chain, error) {
	chain := api.Chain{
		Id:           c.Id,
		ClientId:     c.ClientId,
		ModelId:      c.ModelId,
		FileName:     c.FileName,
		State:        c.State,
		Error:        c.Error.String,
		CreationTime: c.CreationTime,
	}
	if c.CompletionTime.Valid {
		t := c.CompletionTime.Time
		chain.CompletionTime = &t
	}

	var metadata api.DicomMetadata
	if ok, err := database.FromJSON(c.Metadata, &metadata); err != nil {
		return api.Chain{}, err
	} else if ok {
		chain.Metadata = &metadata
	}

	var info api.ImageInfo
	if ok, err := database.FromJSON(c.ImageInfo, &info); err != nil {
		return api.Chain{}, err
	} else if ok {
		chain.ImageInfo = &info
	}

	var inference api.InferenceResult
	if ok, err := database.FromJSON(c.Inference, &inference); err != nil {
		return api.Chain{}, err
	} else if ok {
		chain.Inference = &inference
	}

	var report api.DiagnosticReport
	if ok, err := database.FromJSON(c.Report, &report); err != nil {
		return api.Chain{}, err
	} else if ok {
		chain.Report = &report
	}

	return chain, nil
}

func convertChains(cs []database.Chain) ([]api.Chain, error) {
	chains := make([]api.Chain, 0, len(cs))
	for _, c := range cs {
		chain, err := convertChain(c)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, nil
}
