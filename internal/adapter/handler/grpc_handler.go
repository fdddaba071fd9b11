package handler

import (
	"context"

	"google.golang.org/grpc"

	"github.com/rl1809/cart-ledger/internal/core/service"
)

const cartServiceName = "inventorycart.v1.CartService"

type AddToCartRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type SetCartQuantityRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type RemoveFromCartRequest struct {
	ItemID string `json:"item_id"`
}

type ListCartRequest struct{}

type FinalizeRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type CartReply struct {
	Success bool           `json:"success"`
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message,omitempty"`
	Change  *CartChangeDTO `json:"change,omitempty"`
	Cart    *CartDTO       `json:"cart,omitempty"`
}

type FinalizeReply struct {
	Success bool        `json:"success"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
	Receipt *ReceiptDTO `json:"receipt,omitempty"`
}

type CartServiceServer interface {
	AddToCart(ctx context.Context, req *AddToCartRequest) (*CartReply, error)
	SetCartQuantity(ctx context.Context, req *SetCartQuantityRequest) (*CartReply, error)
	RemoveFromCart(ctx context.Context, req *RemoveFromCartRequest) (*CartReply, error)
	ListCart(ctx context.Context, req *ListCartRequest) (*CartReply, error)
	Finalize(ctx context.Context, req *FinalizeRequest) (*FinalizeReply, error)
}

// CartServiceDesc is registered with grpc.Server.RegisterService. Messages
// travel through the JSON codec.
var CartServiceDesc = grpc.ServiceDesc{
	ServiceName: cartServiceName,
	HandlerType: (*CartServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("AddToCart", func(s CartServiceServer, ctx context.Context, req *AddToCartRequest) (any, error) {
			return s.AddToCart(ctx, req)
		}),
		unaryMethod("SetCartQuantity", func(s CartServiceServer, ctx context.Context, req *SetCartQuantityRequest) (any, error) {
			return s.SetCartQuantity(ctx, req)
		}),
		unaryMethod("RemoveFromCart", func(s CartServiceServer, ctx context.Context, req *RemoveFromCartRequest) (any, error) {
			return s.RemoveFromCart(ctx, req)
		}),
		unaryMethod("ListCart", func(s CartServiceServer, ctx context.Context, req *ListCartRequest) (any, error) {
			return s.ListCart(ctx, req)
		}),
		unaryMethod("Finalize", func(s CartServiceServer, ctx context.Context, req *FinalizeRequest) (any, error) {
			return s.Finalize(ctx, req)
		}),
	},
	Streams: []grpc.StreamDesc{},
}

func unaryMethod[Req any](name string, call func(CartServiceServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(CartServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + cartServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

type GRPCHandler struct {
	engine *service.ReconciliationEngine
}

func NewGRPCHandler(engine *service.ReconciliationEngine) *GRPCHandler {
	return &GRPCHandler{engine: engine}
}

func (h *GRPCHandler) AddToCart(ctx context.Context, req *AddToCartRequest) (*CartReply, error) {
	res, err := h.engine.AddToCart(ctx, req.ItemID, req.Quantity)
	observeCart("add", err)
	if err != nil {
		return cartFailure(err), nil
	}

	change := toCartChangeDTO(req.ItemID, res)
	return &CartReply{Success: true, Message: "cart updated", Change: &change}, nil
}

func (h *GRPCHandler) SetCartQuantity(ctx context.Context, req *SetCartQuantityRequest) (*CartReply, error) {
	res, err := h.engine.SetCartQuantity(ctx, req.ItemID, req.Quantity)
	observeCart("set", err)
	if err != nil {
		return cartFailure(err), nil
	}

	change := toCartChangeDTO(req.ItemID, res)
	return &CartReply{Success: true, Message: "cart updated", Change: &change}, nil
}

func (h *GRPCHandler) RemoveFromCart(ctx context.Context, req *RemoveFromCartRequest) (*CartReply, error) {
	err := h.engine.RemoveFromCart(ctx, req.ItemID)
	observeCart("remove", err)
	if err != nil {
		return cartFailure(err), nil
	}

	return &CartReply{Success: true, Message: "item removed from cart"}, nil
}

func (h *GRPCHandler) ListCart(ctx context.Context, _ *ListCartRequest) (*CartReply, error) {
	lines, err := h.engine.ListCart(ctx)
	if err != nil {
		return cartFailure(err), nil
	}

	cart := toCartDTO(lines)
	return &CartReply{Success: true, Cart: &cart}, nil
}

func (h *GRPCHandler) Finalize(ctx context.Context, req *FinalizeRequest) (*FinalizeReply, error) {
	receipt, err := h.engine.Finalize(ctx, req.IdempotencyKey)
	observeCart("finalize", err)
	if err != nil {
		kind, message := errorBody(err)
		return &FinalizeReply{Success: false, Kind: string(kind), Message: message}, nil
	}
	if len(receipt.Lines) > 0 {
		CheckoutTotal.Inc()
	}

	dto := toReceiptDTO(*receipt)
	return &FinalizeReply{Success: true, Message: "checkout complete", Receipt: &dto}, nil
}

func cartFailure(err error) *CartReply {
	kind, message := errorBody(err)
	return &CartReply{Success: false, Kind: string(kind), Message: message}
}

// CartServiceClient calls CartService over a connection using the JSON codec.
type CartServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCartServiceClient(cc grpc.ClientConnInterface) *CartServiceClient {
	return &CartServiceClient{cc: cc}
}

func (c *CartServiceClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+cartServiceName+"/"+method, in, out, grpc.CallContentSubtype(JSONCodecName))
}

func (c *CartServiceClient) AddToCart(ctx context.Context, req *AddToCartRequest) (*CartReply, error) {
	out := new(CartReply)
	return out, c.invoke(ctx, "AddToCart", req, out)
}

func (c *CartServiceClient) SetCartQuantity(ctx context.Context, req *SetCartQuantityRequest) (*CartReply, error) {
	out := new(CartReply)
	return out, c.invoke(ctx, "SetCartQuantity", req, out)
}

func (c *CartServiceClient) RemoveFromCart(ctx context.Context, req *RemoveFromCartRequest) (*CartReply, error) {
	out := new(CartReply)
	return out, c.invoke(ctx, "RemoveFromCart", req, out)
}

func (c *CartServiceClient) ListCart(ctx context.Context, req *ListCartRequest) (*CartReply, error) {
	out := new(CartReply)
	return out, c.invoke(ctx, "ListCart", req, out)
}

func (c *CartServiceClient) Finalize(ctx context.Context, req *FinalizeRequest) (*FinalizeReply, error) {
	out := new(FinalizeReply)
	return out, c.invoke(ctx, "Finalize", req, out)
}
