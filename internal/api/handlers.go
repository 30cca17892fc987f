package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldbook/internal/config"
	"fieldbook/internal/domain"
	"fieldbook/internal/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ledgerServiceName = "fieldbook.ledger.v1.LedgerService"

const (
	methodGetAvailableSlots   = "/" + ledgerServiceName + "/GetAvailableSlots"
	methodDeclareAvailability = "/" + ledgerServiceName + "/DeclareAvailability"
	methodRequestBooking      = "/" + ledgerServiceName + "/RequestBooking"
	methodCancelBooking       = "/" + ledgerServiceName + "/CancelBooking"
)

// LedgerServiceServer is the gRPC face of the ledger. Messages are free-form
// google.protobuf.Struct values keyed like the HTTP JSON bodies.
type LedgerServiceServer interface {
	GetAvailableSlots(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DeclareAvailability(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RequestBooking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CancelBooking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type ledgerCall func(LedgerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call ledgerCall) grpc.MethodDesc {
	fullMethod := "/" + ledgerServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc describes the service for grpc.Server.RegisterService.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetAvailableSlots", LedgerServiceServer.GetAvailableSlots),
		unaryMethod("DeclareAvailability", LedgerServiceServer.DeclareAvailability),
		unaryMethod("RequestBooking", LedgerServiceServer.RequestBooking),
		unaryMethod("CancelBooking", LedgerServiceServer.CancelBooking),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldbook/ledger/v1/ledger.proto",
}

func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// LedgerClient calls LedgerService over a client connection.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ledgerServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type LedgerService struct {
	ledger   domain.LedgerService
	bookings *bookingGuard
}

// NewLedgerService caps booking requests per user with limiter; a nil limiter disables the cap.
func NewLedgerService(ledger domain.LedgerService, limiter domain.RateLimiter, limits config.BookingRateLimitConf) *LedgerService {
	return &LedgerService{ledger: ledger, bookings: newBookingGuard(limiter, limits)}
}

var _ LedgerServiceServer = (*LedgerService)(nil)

func (s *LedgerService) GetAvailableSlots(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fieldID := stringField(in, "fieldId")
	date := stringField(in, "date")
	if fieldID == "" {
		return nil, status.Error(codes.InvalidArgument, "fieldId is required")
	}
	if date == "" {
		return nil, status.Error(codes.InvalidArgument, "date is required")
	}

	seq, err := s.ledger.GetAvailableSlots(ctx, fieldID, date)
	if err != nil {
		return nil, grpcError(err)
	}
	hasCalendar, err := s.ledger.HasCalendar(ctx, fieldID)
	if err != nil {
		return nil, grpcError(err)
	}

	slots := []any{}
	for m := range seq {
		slots = append(slots, m.String())
	}
	return structpb.NewStruct(map[string]any{
		"fieldId":     fieldID,
		"date":        date,
		"hasCalendar": hasCalendar,
		"slots":       slots,
	})
}

func (s *LedgerService) DeclareAvailability(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	hostID := UserFromContext(ctx)
	if hostID == "" {
		return nil, status.Error(codes.Unauthenticated, "x-user-id is required")
	}
	tr, err := timeRangeFields(in)
	if err != nil {
		return nil, err
	}

	var dates []string
	for _, v := range in.GetFields()["dates"].GetListValue().GetValues() {
		dates = append(dates, strings.TrimSpace(v.GetStringValue()))
	}

	cal, err := s.ledger.DeclareAvailability(ctx, stringField(in, "fieldId"), hostID, dates, tr)
	if err != nil {
		return nil, grpcError(err)
	}

	slotsByDate := make(map[string]any, len(cal.SlotsByDate))
	for date, marks := range cal.SlotsByDate {
		list := make([]any, 0, len(marks))
		for _, m := range marks {
			list = append(list, m.String())
		}
		slotsByDate[date] = list
	}
	return structpb.NewStruct(map[string]any{
		"fieldId":     cal.FieldID,
		"hostId":      cal.HostID,
		"slotsByDate": slotsByDate,
	})
}

func (s *LedgerService) RequestBooking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID := UserFromContext(ctx)
	if userID == "" {
		return nil, status.Error(codes.Unauthenticated, "x-user-id is required")
	}
	if !s.bookings.allow(ctx, userID) {
		return nil, status.Error(codes.ResourceExhausted, "too many booking requests")
	}
	tr, err := timeRangeFields(in)
	if err != nil {
		return nil, err
	}

	outcome, err := s.ledger.RequestBooking(ctx, models.BookingRequest{
		FieldID: stringField(in, "fieldId"),
		Date:    stringField(in, "date"),
		Start:   tr.Start,
		End:     tr.End,
		UserID:  userID,
	})
	if err != nil {
		return nil, grpcError(err)
	}

	if outcome.Conflict != nil {
		c := outcome.Conflict
		return structpb.NewStruct(map[string]any{
			"confirmed": false,
			"conflict": map[string]any{
				"fieldId":       c.FieldID,
				"date":          c.Date,
				"start":         c.Start.String(),
				"end":           c.End.String(),
				"reservationId": c.ReservationID,
			},
		})
	}
	return structpb.NewStruct(map[string]any{
		"confirmed":   true,
		"reservation": reservationMap(outcome.Reservation),
	})
}

func (s *LedgerService) CancelBooking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID := UserFromContext(ctx)
	if userID == "" {
		return nil, status.Error(codes.Unauthenticated, "x-user-id is required")
	}
	reservationID := stringField(in, "reservationId")
	err := s.ledger.CancelBooking(ctx, stringField(in, "fieldId"), stringField(in, "date"), reservationID, userID)
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{"cancelled": true, "reservationId": reservationID})
}

func stringField(in *structpb.Struct, name string) string {
	return strings.TrimSpace(in.GetFields()[name].GetStringValue())
}

func timeRangeFields(in *structpb.Struct) (models.TimeRange, error) {
	start, err := models.ParseTimeMark(stringField(in, "start"))
	if err != nil {
		return models.TimeRange{}, status.Error(codes.InvalidArgument, fmt.Sprintf("start: %v", err))
	}
	end, err := models.ParseTimeMark(stringField(in, "end"))
	if err != nil {
		return models.TimeRange{}, status.Error(codes.InvalidArgument, fmt.Sprintf("end: %v", err))
	}
	return models.TimeRange{Start: start, End: end}, nil
}

func reservationMap(r *models.Reservation) map[string]any {
	return map[string]any{
		"id":        r.ID,
		"fieldId":   r.FieldID,
		"date":      r.Date,
		"start":     r.Start.String(),
		"end":       r.End.String(),
		"bookedBy":  r.BookedBy,
		"price":     int64(r.Price),
		"createdAt": r.CreatedAt.UTC().Format(time.RFC3339),
	}
}
