package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
)

// GlacierAPI is the subset of the Glacier client the adapter calls.
type GlacierAPI interface {
	UploadArchive(ctx context.Context, in *glacier.UploadArchiveInput, optFns ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error)
	InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
	DeleteArchive(ctx context.Context, in *glacier.DeleteArchiveInput, optFns ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error)
}

// Glacier implements Archive on an Amazon Glacier vault.
type Glacier struct {
	client GlacierAPI
	vault  string
	// snsTopic receives retrieval completion notifications. Empty uses the vault default.
	snsTopic string
}

// NewGlacier loads the default AWS config and creates a Glacier adapter.
func NewGlacier(ctx context.Context, region, endpoint, vault, snsTopic string) (*Glacier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := glacier.NewFromConfig(cfg, func(o *glacier.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewGlacierWithClient(client, vault, snsTopic), nil
}

func NewGlacierWithClient(client GlacierAPI, vault, snsTopic string) *Glacier {
	return &Glacier{client: client, vault: vault, snsTopic: snsTopic}
}

func (g *Glacier) Archive(ctx context.Context, data []byte, description string) (string, error) {
	out, err := g.client.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId:          aws.String("-"),
		VaultName:          aws.String(g.vault),
		ArchiveDescription: aws.String(description),
		Body:               bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}
	if aws.ToString(out.ArchiveId) == "" {
		return "", fmt.Errorf("upload archive: empty archive id")
	}
	return aws.ToString(out.ArchiveId), nil
}

func (g *Glacier) InitiateRetrieval(ctx context.Context, archiveRef string, tier RetrievalTier, correlation string) (string, error) {
	params := &types.JobParameters{
		Type:        aws.String("archive-retrieval"),
		ArchiveId:   aws.String(archiveRef),
		Description: aws.String(correlation),
		Tier:        aws.String(string(tier)),
	}
	if g.snsTopic != "" {
		params.SNSTopic = aws.String(g.snsTopic)
	}
	out, err := g.client.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId:     aws.String("-"),
		VaultName:     aws.String(g.vault),
		JobParameters: params,
	})
	if err != nil {
		return "", classifyError("initiate retrieval", err)
	}
	return aws.ToString(out.JobId), nil
}

func (g *Glacier) RetrievalOutput(ctx context.Context, retrievalRef string) (io.ReadCloser, error) {
	out, err := g.client.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(g.vault),
		JobId:     aws.String(retrievalRef),
	})
	if err != nil {
		return nil, classifyError("get retrieval output", err)
	}
	return out.Body, nil
}

func (g *Glacier) DeleteArchive(ctx context.Context, archiveRef string) error {
	_, err := g.client.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(g.vault),
		ArchiveId: aws.String(archiveRef),
	})
	if err != nil {
		err = classifyError("delete archive", err)
		// Already gone is what we wanted.
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// classifyError maps Glacier service errors to package sentinels.
func classifyError(op string, err error) error {
	var capacity *types.InsufficientCapacityException
	if errors.As(err, &capacity) {
		return fmt.Errorf("%s: %w: %v", op, ErrCapacityExhausted, err)
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
