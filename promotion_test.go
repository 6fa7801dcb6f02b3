package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullSlotWithQueue creates a slot of the given capacity held by one
// pending MSc registration of "owner", with the listed MSc users queued.
func fullSlotWithQueue(t *testing.T, env *testEnv, capacity int, queued ...string) (int64, Registration) {
	t.Helper()
	slotID := env.addSlot(t, capacity)
	env.addUser(t, "owner", DegreeMSc)
	owner := env.mustRegister(t, "owner", slotID)
	for _, u := range queued {
		env.addUser(t, u, DegreeMSc)
		require.Equal(t, OutcomeAddedToList, env.wait(t, u, slotID).Outcome)
	}
	return slotID, owner
}

func TestPromotion_ScenarioD_DeclineFreesCapacity(t *testing.T) {
	env := setupTestEngine(t)
	slotID, owner := fullSlotWithQueue(t, env, 1, "bob")
	require.Equal(t, SlotFull, env.slot(t, slotID).Status)

	res, err := env.engine.DeclineByToken(env.ctx, owner.ApprovalToken, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeDeclined, res.Outcome)
	requireNoCascadeErrors(t, res.Cascade)

	entry := env.entry(t, slotID, "bob")
	require.NotNil(t, entry)
	require.NotEmpty(t, entry.PromotionToken)
	assert.True(t, entry.OfferExpiresAt.Equal(testStart.Add(24*time.Hour)))

	offers := env.notes.byKind(KindPromotionOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "bob", offers[0].Recipient)
	assert.Equal(t, "https://t.me/SemSlotBot?start=confirm_"+entry.PromotionToken, offers[0].Link)
	assert.Contains(t, offers[0].Body, "start=reject_"+entry.PromotionToken)

	p, err := env.repo.GetPromotionByToken(env.ctx, entry.PromotionToken)
	require.NoError(t, err)
	assert.Equal(t, OfferOpen, p.Status)
	assert.Equal(t, StatusPending, p.ApprovalStatus)

	env.clock.Advance(2 * time.Hour)
	confirmed, err := env.engine.ConfirmPromotion(env.ctx, entry.PromotionToken)
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, confirmed.Outcome)
	requireNoCascadeErrors(t, confirmed.Cascade)

	assert.Nil(t, env.entry(t, slotID, "bob"), "the entry leaves the waiting list")
	assert.Empty(t, env.queue(t, slotID))
	reg := env.registration(t, slotID, "bob")
	require.NotNil(t, reg)
	assert.Equal(t, StatusPending, reg.Status)
	assert.Equal(t, "Waiting talk of bob", reg.Topic)
	assert.NotEmpty(t, reg.ApprovalToken)
	assert.Equal(t, SlotFull, env.slot(t, slotID).Status)

	requests := env.notes.byKind(KindApprovalRequest)
	require.Len(t, requests, 2, "owner's request and bob's request")
	assert.Equal(t, supervisorOf("bob"), requests[1].Recipient)

	p, err = env.repo.GetPromotionByToken(env.ctx, entry.PromotionToken)
	require.NoError(t, err)
	assert.Equal(t, OfferConfirmed, p.Status)
}

func TestPromotion_UnregisterOfApprovedFreesCapacity(t *testing.T) {
	env := setupTestEngine(t)
	slotID, owner := fullSlotWithQueue(t, env, 1, "bob")
	_, err := env.engine.ApproveByToken(env.ctx, owner.ApprovalToken)
	require.NoError(t, err)
	require.Empty(t, env.entry(t, slotID, "bob").PromotionToken, "no room while the owner holds the slot")

	res, err := env.engine.Unregister(env.ctx, "owner", slotID)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnregistered, res.Outcome)
	assert.NotEmpty(t, env.entry(t, slotID, "bob").PromotionToken)
}

func TestPromotion_ScenarioE_ConfirmAfterReoccupation(t *testing.T) {
	env := setupTestEngine(t)
	slotID := env.addSlot(t, 3)
	env.addUser(t, "carol", DegreePhD)
	env.addUser(t, "dave", DegreePhD)
	env.addUser(t, "erin", DegreeMSc)

	carol := env.mustRegister(t, "carol", slotID)
	require.Equal(t, OutcomeAddedToList, env.wait(t, "dave", slotID).Outcome)
	_, err := env.engine.DeclineByToken(env.ctx, carol.ApprovalToken, "")
	require.NoError(t, err)
	offer := env.entry(t, slotID, "dave").PromotionToken
	require.NotEmpty(t, offer)

	// The slot is re-occupied by another degree before dave answers.
	env.mustRegister(t, "erin", slotID)

	res, err := env.engine.ConfirmPromotion(env.ctx, offer)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoRoom, res.Outcome)
	requireNoCascadeErrors(t, res.Cascade)

	assert.Nil(t, env.entry(t, slotID, "dave"), "the entry is dropped")
	assert.Nil(t, env.registration(t, slotID, "dave"))
	p, err := env.repo.GetPromotionByToken(env.ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, OfferVoided, p.Status)
	assert.Len(t, env.notes.byKind(KindWaitlistRemoved), 1)

	again, err := env.engine.ConfirmPromotion(env.ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTokenExpired, again.Outcome)
}

func TestConfirmPromotion_Repeated(t *testing.T) {
	env := setupTestEngine(t)
	slotID, owner := fullSlotWithQueue(t, env, 1, "bob")
	_, err := env.engine.DeclineByToken(env.ctx, owner.ApprovalToken, "")
	require.NoError(t, err)
	offer := env.entry(t, slotID, "bob").PromotionToken

	first, err := env.engine.ConfirmPromotion(env.ctx, offer)
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, first.Outcome)

	second, err := env.engine.ConfirmPromotion(env.ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, second.Outcome)
	assert.True(t, second.Repeated)
	assert.Empty(t, second.Cascade)
	assert.Len(t, env.notes.byKind(KindApprovalRequest), 2)

	rejected, err := env.engine.DeclinePromotion(env.ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStateConflict, rejected.Outcome)
}

func TestConfirmPromotion_UnknownToken(t *testing.T) {
	env := setupTestEngine(t)
	res, err := env.engine.ConfirmPromotion(env.ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)

	res, err = env.engine.DeclinePromotion(env.ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

func TestDeclinePromotion_OffersNext(t *testing.T) {
	env := setupTestEngine(t)
	slotID, owner := fullSlotWithQueue(t, env, 1, "bob", "carol")
	_, err := env.engine.DeclineByToken(env.ctx, owner.ApprovalToken, "")
	require.NoError(t, err)
	offer := env.entry(t, slotID, "bob").PromotionToken

	res, err := env.engine.DeclinePromotion(env.ctx, offer)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeclined, res.Outcome)
	requireNoCascadeErrors(t, res.Cascade)

	assert.Nil(t, env.entry(t, slotID, "bob"))
	assert.Equal(t, []string{"carol"}, env.queue(t, slotID))
	assert.NotEmpty(t, env.entry(t, slotID, "carol").PromotionToken)

	p, err := env.repo.GetPromotionByToken(env.ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, OfferDeclined, p.Status)

	again, err := env.engine.DeclinePromotion(env.ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeclined, again.Outcome)
	assert.True(t, again.Repeated)
}

func TestConfirmPromotion_AfterOfferWindow(t *testing.T) {
	env := setupTestEngine(t)
	slotID, owner := fullSlotWithQueue(t, env, 1, "bob", "carol")
	_, err := env.engine.DeclineByToken(env.ctx, owner.ApprovalToken, "")
	require.NoError(t, err)
	offer := env.entry(t, slotID, "bob").PromotionToken

	env.clock.Advance(25 * time.Hour)
	res, err := env.engine.ConfirmPromotion(env.ctx, offer)
	require.NoError(t, err)
	require.Equal(t, OutcomeTokenExpired, res.Outcome)
	requireNoCascadeErrors(t, res.Cascade)

	assert.Nil(t, env.entry(t, slotID, "bob"))
	assert.Nil(t, env.registration(t, slotID, "bob"))
	assert.NotEmpty(t, env.entry(t, slotID, "carol").PromotionToken, "the place moves on")
	assert.Len(t, env.notes.byKind(KindPromotionExpired), 1)
}

func TestOfferNextPromotion_OneOpenOfferPerSlot(t *testing.T) {
	env := setupTestEngine(t)
	slotID := env.addSlot(t, 2)
	env.addUser(t, "owner", DegreeMSc)
	env.addUser(t, "owner2", DegreeMSc)
	owner := env.mustRegister(t, "owner", slotID)
	env.mustRegister(t, "owner2", slotID)
	for _, u := range []string{"bob", "carol"} {
		env.addUser(t, u, DegreeMSc)
		require.Equal(t, OutcomeAddedToList, env.wait(t, u, slotID).Outcome)
	}

	_, err := env.engine.DeclineByToken(env.ctx, owner.ApprovalToken, "")
	require.NoError(t, err)
	require.NotEmpty(t, env.entry(t, slotID, "bob").PromotionToken)

	_, err = env.engine.Unregister(env.ctx, "owner2", slotID)
	require.NoError(t, err)
	assert.Empty(t, env.entry(t, slotID, "carol").PromotionToken, "the second place waits for the open offer")

	offered, err := env.engine.OfferNextPromotion(env.ctx, slotID)
	require.NoError(t, err)
	assert.False(t, offered)

	confirmed, err := env.engine.ConfirmPromotion(env.ctx, env.entry(t, slotID, "bob").PromotionToken)
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, confirmed.Outcome)

	offered, err = env.engine.OfferNextPromotion(env.ctx, slotID)
	require.NoError(t, err)
	assert.True(t, offered)
	assert.NotEmpty(t, env.entry(t, slotID, "carol").PromotionToken)
}

func TestOfferNextPromotion_RemovesStaleAndConflictingEntries(t *testing.T) {
	env := setupTestEngine(t)
	slotID := env.addSlot(t, 3)
	elsewhere := env.addSlot(t, 3)
	env.addUser(t, "m1", DegreeMSc)
	env.addUser(t, "m2", DegreeMSc)
	env.addUser(t, "stale", DegreePhD)
	env.addUser(t, "phd", DegreePhD)

	m1 := env.mustRegister(t, "m1", slotID)
	env.mustRegister(t, "m2", slotID)
	require.Equal(t, OutcomeAddedToList, env.wait(t, "stale", slotID).Outcome)
	require.Equal(t, OutcomeAddedToList, env.wait(t, "phd", slotID).Outcome)
	env.mustRegister(t, "stale", elsewhere)

	_, err := env.engine.DeclineByToken(env.ctx, m1.ApprovalToken, "")
	require.NoError(t, err)

	assert.Empty(t, env.queue(t, slotID))
	assert.Empty(t, env.notes.byKind(KindPromotionOffer))
	removed := env.notes.byKind(KindWaitlistRemoved)
	require.Len(t, removed, 1, "only the conflicting entry is told")
	assert.Equal(t, "phd", removed[0].Recipient)
}

func TestOfferNextPromotion_StopsWhenHeadDoesNotFit(t *testing.T) {
	env := setupTestEngine(t)
	slotID := env.addSlot(t, 4)
	env.addUser(t, "p1", DegreePhD)
	env.addUser(t, "p2", DegreePhD)
	env.mustRegister(t, "p1", slotID)
	require.Equal(t, OutcomeAddedToList, env.wait(t, "p2", slotID).Outcome)

	offered, err := env.engine.OfferNextPromotion(env.ctx, slotID)
	require.NoError(t, err)
	assert.False(t, offered)
	assert.Equal(t, []string{"p2"}, env.queue(t, slotID), "the head keeps its place")
}

func TestOfferNextPromotion_UnknownSlot(t *testing.T) {
	env := setupTestEngine(t)
	offered, err := env.engine.OfferNextPromotion(env.ctx, 42)
	require.NoError(t, err)
	assert.False(t, offered)
}

func TestPromotionPhase(t *testing.T) {
	tests := []struct {
		status OfferStatus
		want   tokenPhase
	}{
		{OfferOpen, phasePending},
		{OfferConfirmed, phaseAccepted},
		{OfferDeclined, phaseRejected},
		{OfferExpired, phaseExpired},
		{OfferVoided, phaseExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, promotionPhase(&Promotion{Status: tt.status}))
		})
	}
}

func TestConfirmPromotion_RechecksUserLimits(t *testing.T) {
	env := setupTestEngine(t)
	slotID := env.addSlot(t, 3)
	other := env.addSlot(t, 3)
	for _, u := range []string{"pia", "dan", "eve"} {
		env.addUser(t, u, DegreePhD)
	}
	pia := env.mustRegister(t, "pia", slotID)
	require.Equal(t, OutcomeAddedToList, env.wait(t, "dan", slotID).Outcome)
	require.Equal(t, OutcomeAddedToList, env.wait(t, "eve", slotID).Outcome)

	_, err := env.engine.DeclineByToken(env.ctx, pia.ApprovalToken, "")
	require.NoError(t, err)
	offer := env.entry(t, slotID, "dan").PromotionToken
	require.NotEmpty(t, offer)

	// dan takes another slot while the offer is open
	env.mustRegister(t, "dan", other)
	env.notes.reset()

	res, err := env.engine.ConfirmPromotion(env.ctx, offer)
	require.NoError(t, err)
	require.Equal(t, OutcomePendingLimit, res.Outcome)
	requireNoCascadeErrors(t, res.Cascade)

	assert.Nil(t, env.registration(t, slotID, "dan"))
	assert.Nil(t, env.entry(t, slotID, "dan"))
	mine, err := env.repo.ListUserRegistrations(env.ctx, "dan")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, other, mine[0].SlotID)

	p, err := env.repo.GetPromotionByToken(env.ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, OfferVoided, p.Status)
	require.Len(t, env.notes.byKind(KindWaitlistRemoved), 1)
	assert.NotEmpty(t, env.entry(t, slotID, "eve").PromotionToken, "the place moves on")
}

func TestConfirmPromotion_RefusedAtApprovedLimit(t *testing.T) {
	env := setupTestEngine(t)
	slotID, owner := fullSlotWithQueue(t, env, 1, "bob")
	other := env.addSlot(t, 3)
	_, err := env.engine.DeclineByToken(env.ctx, owner.ApprovalToken, "")
	require.NoError(t, err)
	offer := env.entry(t, slotID, "bob").PromotionToken
	require.NotEmpty(t, offer)

	require.NoError(t, env.repo.SaveRegistration(env.ctx, Registration{
		SlotID: other, UserKey: "bob", Degree: DegreeMSc, Status: StatusApproved, RegisteredAt: testStart,
	}))

	res, err := env.engine.ConfirmPromotion(env.ctx, offer)
	require.NoError(t, err)
	require.Equal(t, OutcomeRegistrationLimit, res.Outcome)
	assert.Nil(t, env.registration(t, slotID, "bob"))
	assert.Equal(t, SlotFree, env.slot(t, slotID).Status)
}
