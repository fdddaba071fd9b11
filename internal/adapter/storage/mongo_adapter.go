package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/port"
)

const (
	itemsCollection  = "items"
	cartCollection   = "cartitems"
	ledgerCollection = "ledgerentries"

	transientTransactionLabel = "TransientTransactionError"
)

var _ port.Transactor = (*MongoAdapter)(nil)

// itemDocument keeps the field names of the existing items collection.
type itemDocument struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Name        string             `bson:"itmn"`
	Price       string             `bson:"itmp"`
	Quantity    int                `bson:"itmqty"`
	ImageURL    string             `bson:"imageUrl,omitempty"`
	InInventory bool               `bson:"inInventory"`
	Version     int                `bson:"version"`
	CreatedAt   time.Time          `bson:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
}

func (d itemDocument) toDomain() (*domain.Item, error) {
	price := decimal.Zero
	if d.Price != "" {
		var err error
		price, err = decimal.NewFromString(d.Price)
		if err != nil {
			return nil, fmt.Errorf("item %s has malformed price %q: %w", d.ID.Hex(), d.Price, err)
		}
	}
	return &domain.Item{
		ID:                d.ID.Hex(),
		Name:              d.Name,
		UnitPrice:         price,
		ImageURL:          d.ImageURL,
		AvailableQuantity: d.Quantity,
		InInventory:       d.Quantity > 0,
		Version:           d.Version,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}, nil
}

type cartDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	ItemID    primitive.ObjectID `bson:"itemId"`
	Quantity  int                `bson:"quantity"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

func (d cartDocument) toDomain() domain.CartEntry {
	return domain.CartEntry{
		ID:        d.ID.Hex(),
		ItemID:    d.ItemID.Hex(),
		Quantity:  d.Quantity,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type ledgerDocument struct {
	ID         string               `bson:"_id"`
	CheckoutID string               `bson:"checkoutId"`
	ItemID     string               `bson:"itemId"`
	ItemName   string               `bson:"itemName"`
	Quantity   int                  `bson:"quantity"`
	UnitPrice  primitive.Decimal128 `bson:"unitPrice"`
	LineTotal  primitive.Decimal128 `bson:"lineTotal"`
	CreatedAt  time.Time            `bson:"createdAt"`
}

// MongoAdapter stores items, cart entries and the ledger as documents. Every
// WithinTx runs as a multi-document transaction, so the server must be a
// replica set member or a mongos; see SupportsTransactions.
type MongoAdapter struct {
	db     *mongo.Database
	client *mongo.Client
	items  *mongo.Collection
	cart   *mongo.Collection
	ledger *mongo.Collection
}

func NewMongoAdapter(db *mongo.Database) *MongoAdapter {
	return &MongoAdapter{
		db:     db,
		client: db.Client(),
		items:  db.Collection(itemsCollection),
		cart:   db.Collection(cartCollection),
		ledger: db.Collection(ledgerCollection),
	}
}

// SupportsTransactions reports whether the connected deployment can run
// multi-document transactions. Standalone servers cannot.
func (m *MongoAdapter) SupportsTransactions(ctx context.Context) (bool, error) {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := m.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return false, fmt.Errorf("hello: %w", err)
	}
	return hello.SetName != "" || hello.Msg == "isdbgrid", nil
}

func (m *MongoAdapter) EnsureIndexes(ctx context.Context) error {
	_, err := m.cart.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "itemId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create cart index: %w", err)
	}

	_, err = m.ledger.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "checkoutId", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create ledger index: %w", err)
	}
	return nil
}

func (m *MongoAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, repos port.Repositories) error) error {
	repos := port.Repositories{Items: m, Cart: m, Ledger: m}

	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(); err != nil {
			return fmt.Errorf("start transaction: %w", err)
		}
		if err := fn(sc, repos); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return err
		}
		if err := sess.CommitTransaction(sc); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
	return txConflict(err)
}

// txConflict reports transactions the server aborted over a write conflict
// as Conflict.
func txConflict(err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel(transientTransactionLabel) {
		return domain.Errorf(domain.KindConflict, "concurrent update on the same records, retry the operation")
	}
	return err
}

func objectID(id string) (primitive.ObjectID, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	return oid, err == nil
}

func (m *MongoAdapter) InsertItem(ctx context.Context, item domain.Item) (string, error) {
	doc := itemDocument{
		Name:        item.Name,
		Price:       item.UnitPrice.String(),
		Quantity:    item.AvailableQuantity,
		ImageURL:    item.ImageURL,
		InInventory: item.AvailableQuantity > 0,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}

	result, err := m.items.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert item: %w", err)
	}

	oid, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("insert item: unexpected id type %T", result.InsertedID)
	}
	return oid.Hex(), nil
}

func (m *MongoAdapter) FindItem(ctx context.Context, id string) (*domain.Item, error) {
	oid, ok := objectID(id)
	if !ok {
		return nil, nil
	}

	var doc itemDocument
	err := m.items.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	return doc.toDomain()
}

// FindItemForUpdate bumps the version so two transactions holding the same
// item write-conflict instead of interleaving.
func (m *MongoAdapter) FindItemForUpdate(ctx context.Context, id string) (*domain.Item, error) {
	oid, ok := objectID(id)
	if !ok {
		return nil, nil
	}

	var doc itemDocument
	err := m.items.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$inc": bson.M{"version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock item: %w", err)
	}
	return doc.toDomain()
}

func (m *MongoAdapter) FindItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	query := bson.M{}
	if filter.InInventoryOnly {
		query["inInventory"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := m.items.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find items: %w", err)
	}

	var docs []itemDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	items := make([]domain.Item, 0, len(docs))
	for _, doc := range docs {
		item, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}

func (m *MongoAdapter) SetItemQuantity(ctx context.Context, id string, quantity int) (int64, error) {
	oid, ok := objectID(id)
	if !ok {
		return 0, nil
	}

	result, err := m.items.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$set": bson.M{"itmqty": quantity, "inInventory": quantity > 0, "updatedAt": time.Now()},
		"$inc": bson.M{"version": 1},
	})
	if err != nil {
		return 0, fmt.Errorf("update item quantity: %w", err)
	}
	return result.MatchedCount, nil
}

func (m *MongoAdapter) DecrementItemQuantity(ctx context.Context, id string, amount int) (int64, error) {
	oid, ok := objectID(id)
	if !ok {
		return 0, nil
	}

	// Pipeline update so inInventory is derived from the new quantity in the
	// same write.
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "itmqty", Value: bson.D{{Key: "$subtract", Value: bson.A{"$itmqty", amount}}}},
			{Key: "version", Value: bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$version", 0}}}, 1,
			}}}},
			{Key: "updatedAt", Value: time.Now()},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "inInventory", Value: bson.D{{Key: "$gt", Value: bson.A{"$itmqty", 0}}}},
		}}},
	}

	result, err := m.items.UpdateOne(ctx, bson.M{"_id": oid, "itmqty": bson.M{"$gte": amount}}, update)
	if err != nil {
		return 0, fmt.Errorf("decrement item quantity: %w", err)
	}
	return result.MatchedCount, nil
}

func (m *MongoAdapter) DeleteItem(ctx context.Context, id string) (int64, error) {
	oid, ok := objectID(id)
	if !ok {
		return 0, nil
	}

	result, err := m.items.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return 0, fmt.Errorf("delete item: %w", err)
	}
	return result.DeletedCount, nil
}

func (m *MongoAdapter) FindCartEntry(ctx context.Context, itemID string) (*domain.CartEntry, error) {
	oid, ok := objectID(itemID)
	if !ok {
		return nil, nil
	}

	var doc cartDocument
	err := m.cart.FindOne(ctx, bson.M{"itemId": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find cart entry: %w", err)
	}
	entry := doc.toDomain()
	return &entry, nil
}

func (m *MongoAdapter) FindCartEntries(ctx context.Context) ([]domain.CartEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := m.cart.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find cart entries: %w", err)
	}

	var docs []cartDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode cart entries: %w", err)
	}

	entries := make([]domain.CartEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.toDomain())
	}
	return entries, nil
}

// FindCartEntriesForUpdate reads inside the session snapshot. Concurrent
// writers to the same entries abort with a write conflict at commit.
func (m *MongoAdapter) FindCartEntriesForUpdate(ctx context.Context) ([]domain.CartEntry, error) {
	return m.FindCartEntries(ctx)
}

func (m *MongoAdapter) UpsertCartEntry(ctx context.Context, itemID string, quantity int) (*domain.CartEntry, error) {
	oid, ok := objectID(itemID)
	if !ok {
		return nil, fmt.Errorf("upsert cart entry: invalid item id %q", itemID)
	}

	now := time.Now()
	var doc cartDocument
	err := m.cart.FindOneAndUpdate(ctx,
		bson.M{"itemId": oid},
		bson.M{
			"$set":         bson.M{"quantity": quantity, "updatedAt": now},
			"$setOnInsert": bson.M{"createdAt": now},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("upsert cart entry: %w", err)
	}
	entry := doc.toDomain()
	return &entry, nil
}

func (m *MongoAdapter) DeleteCartEntry(ctx context.Context, itemID string) (int64, error) {
	oid, ok := objectID(itemID)
	if !ok {
		return 0, nil
	}

	result, err := m.cart.DeleteOne(ctx, bson.M{"itemId": oid})
	if err != nil {
		return 0, fmt.Errorf("delete cart entry: %w", err)
	}
	return result.DeletedCount, nil
}

func (m *MongoAdapter) AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		unitPrice, err := primitive.ParseDecimal128(e.UnitPrice.String())
		if err != nil {
			return fmt.Errorf("encode unit price: %w", err)
		}
		lineTotal, err := primitive.ParseDecimal128(e.LineTotal.String())
		if err != nil {
			return fmt.Errorf("encode line total: %w", err)
		}
		docs = append(docs, ledgerDocument{
			ID:         e.ID,
			CheckoutID: e.CheckoutID,
			ItemID:     e.ItemID,
			ItemName:   e.ItemName,
			Quantity:   e.Quantity,
			UnitPrice:  unitPrice,
			LineTotal:  lineTotal,
			CreatedAt:  e.CreatedAt,
		})
	}

	if _, err := m.ledger.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert ledger entries: %w", err)
	}
	return nil
}

func (m *MongoAdapter) FindLedgerEntries(ctx context.Context, checkoutID string) ([]domain.LedgerEntry, error) {
	query := bson.M{}
	if checkoutID != "" {
		query["checkoutId"] = checkoutID
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "itemId", Value: 1}})

	cursor, err := m.ledger.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find ledger entries: %w", err)
	}

	var docs []ledgerDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode ledger entries: %w", err)
	}

	entries := make([]domain.LedgerEntry, 0, len(docs))
	for _, d := range docs {
		unitPrice, err := decimal.NewFromString(d.UnitPrice.String())
		if err != nil {
			return nil, fmt.Errorf("decode unit price: %w", err)
		}
		lineTotal, err := decimal.NewFromString(d.LineTotal.String())
		if err != nil {
			return nil, fmt.Errorf("decode line total: %w", err)
		}
		entries = append(entries, domain.LedgerEntry{
			ID:         d.ID,
			CheckoutID: d.CheckoutID,
			ItemID:     d.ItemID,
			ItemName:   d.ItemName,
			Quantity:   d.Quantity,
			UnitPrice:  unitPrice,
			LineTotal:  lineTotal,
			CreatedAt:  d.CreatedAt,
		})
	}
	return entries, nil
}
