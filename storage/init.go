package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Init creates the given tables and queues, ignoring those that already
// exist. Empty names are skipped.
func Init(ctx context.Context, connStr string, tables, queues []string) error {
	if err := createTables(ctx, connStr, tables); err != nil {
		return err
	}
	return createQueues(ctx, connStr, queues)
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
