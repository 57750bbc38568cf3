package trybesync_test

import (
	"context"
	"fmt"
	"time"

	"github.com/trybe-app/trybesync"
	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/docstore/memstore"
	"github.com/trybe-app/trybesync/pkg/identity"
	"github.com/trybe-app/trybesync/pkg/models"
)

func ExampleEngine_JoinGroup() {
	ctx := context.Background()
	store := memstore.New()
	_ = store.Set(ctx, constants.GroupsCollection, "g1", docstore.MustEncode(models.Group{
		Name:        "Sunset climb",
		Capacity:    10,
		MemberCount: 1,
		Members:     []models.UserID{"bob"},
	}))

	engine := trybesync.New(store, trybesync.WithIdentity(identity.NewSignedIn("alice")))
	defer engine.Close(ctx)
	if err := engine.Refresh().Wait(ctx); err != nil {
		panic(err)
	}

	op := engine.JoinGroup("g1")
	g, _ := engine.Group("g1")
	fmt.Println("local:", g.MemberCount, g.Members)

	if err := op.Wait(ctx); err != nil {
		panic(err)
	}
	snap, _ := store.Get(ctx, constants.GroupsCollection, "g1")
	var stored models.Group
	_ = snap.Decode(&stored)
	fmt.Println("remote:", stored.MemberCount, stored.Members)

	// Output:
	// local: 2 [bob alice]
	// remote: 2 [bob alice]
}

func ExampleEngine_SendMessage() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := memstore.New()
	_ = store.Set(ctx, constants.GroupsCollection, "g1", docstore.MustEncode(models.Group{
		Name:        "Board games",
		MemberCount: 1,
		Members:     []models.UserID{"alice"},
	}))

	notes := trybesync.NewChannelNotifier(4)
	engine := trybesync.New(store,
		trybesync.WithIdentity(identity.NewSignedIn("alice")),
		trybesync.WithNotifier(notes),
	)
	defer engine.Close(ctx)

	op := engine.SendMessage("g1", "  bring snacks  ", "")
	m := engine.Messages("g1")[0]
	fmt.Printf("%s %q\n", m.State, m.Body)

	if err := op.Wait(ctx); err != nil {
		fmt.Println((<-notes.C()).Message)
		return
	}
	fmt.Println("sent")

	// Output:
	// pending "bring snacks"
	// sent
}
