package sources

import "context"

type Source interface {
	Close() error
	Run(ctx context.Context) error
}
