package decoder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mapview/internal/tiling"
	"mapview/internal/worker"
)

// Service is the worker-side handler of a decoder service. It delegates to a
// local TileDecoder.
type Service struct {
	decoder TileDecoder
	log     *zap.Logger
}

func NewService(decoder TileDecoder, log *zap.Logger) *Service {
	return &Service{decoder: decoder, log: log}
}

func (s *Service) HandleRequest(ctx context.Context, request any) (any, error) {
	switch r := request.(type) {
	case DecodeTileRequest:
		return s.decoder.DecodeTile(ctx, r.Data, tiling.TileKeyFromMortonCode(r.TileKey), r.DataSourceName, r.Projection)
	case TileInfoRequest:
		return s.decoder.GetTileInfo(ctx, r.Data, tiling.TileKeyFromMortonCode(r.TileKey), r.DataSourceName, r.Projection)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, request)
	}
}

func (s *Service) HandleMessage(msg worker.Message) error {
	if msg.Type != worker.MessageConfiguration {
		return fmt.Errorf("unexpected %s message", msg.Type)
	}
	var theme *Theme
	switch t := msg.Theme.(type) {
	case nil:
	case *Theme:
		theme = t
	case Theme:
		theme = &t
	default:
		return fmt.Errorf("unsupported theme %T", msg.Theme)
	}
	return s.decoder.Configure(theme, msg.Options)
}

func (s *Service) Dispose() {
	s.decoder.Dispose()
}

// ServiceFactory adapts a local decoder constructor to a worker service type.
func ServiceFactory(newDecoder func(log *zap.Logger) TileDecoder) worker.HandlerFactory {
	return func(_ string, log *zap.Logger) (worker.Handler, error) {
		return NewService(newDecoder(log), log), nil
	}
}

// Factory returns a local decoder for serviceType.
func Factory(serviceType string, log *zap.Logger) (TileDecoder, error) {
	switch serviceType {
	case ServiceTypeVector:
		return NewVectorDecoder(log), nil
	case ServiceTypeRaster:
		return NewRasterDecoder(log), nil
	default:
		return nil, fmt.Errorf("unknown decoder service type %q", serviceType)
	}
}

// Bundle returns the worker bundle hosting every decoder service type.
func Bundle() worker.Bundle {
	return worker.Bundle{
		Name: BundleName,
		Services: map[string]worker.HandlerFactory{
			ServiceTypeVector: ServiceFactory(func(log *zap.Logger) TileDecoder { return NewVectorDecoder(log) }),
			ServiceTypeRaster: ServiceFactory(func(log *zap.Logger) TileDecoder { return NewRasterDecoder(log) }),
		},
		MaxConcurrentRequests: 1,
	}
}
