package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"raffle-market-platform/api/internal/coordinator"
	"raffle-market-platform/api/internal/middleware"
	"raffle-market-platform/api/internal/models"
	"raffle-market-platform/api/internal/repos"
	"raffle-market-platform/shared/authx"
	"raffle-market-platform/shared/cachex"
	"raffle-market-platform/shared/httpx"
	"raffle-market-platform/shared/logx"
	"raffle-market-platform/shared/metricsx"
	"raffle-market-platform/shared/workflow"
)

type apiServer struct {
	logger    logx.Logger
	coord     *coordinator.Coordinator
	raffles   *repos.RafflesRepo
	donations *repos.DonationsRepo
	users     *repos.UsersRepo
	cache     *cachex.Store
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/me", s.handleMe)
	mux.HandleFunc("GET /api/v1/users/{id}", s.handleGetUser)

	mux.HandleFunc("POST /api/v1/raffles", s.handleCreateRaffle)
	mux.HandleFunc("GET /api/v1/raffles", s.handleListRaffles)
	mux.HandleFunc("GET /api/v1/raffles/{id}", s.handleGetRaffle)
	mux.Handle("POST /api/v1/raffles/{id}/approve", middleware.RequireRole("admin")(http.HandlerFunc(s.handleApproveRaffle)))
	mux.HandleFunc("POST /api/v1/raffles/{id}/cancel", s.handleCancelRaffle)
	mux.HandleFunc("POST /api/v1/raffles/{id}/tickets", s.handlePurchaseTickets)
	mux.HandleFunc("GET /api/v1/raffles/{id}/tickets", s.handleListTickets)

	mux.HandleFunc("POST /api/v1/donations", s.handleCreateDonation)
	mux.HandleFunc("GET /api/v1/donations", s.handleListDonations)
	mux.HandleFunc("GET /api/v1/donations/{id}", s.handleGetDonation)
	mux.HandleFunc("POST /api/v1/donations/{id}/contributions", s.handleContribute)
	mux.HandleFunc("GET /api/v1/donations/{id}/contributions", s.handleListContributions)

	mux.HandleFunc("POST /api/v1/chat/messages", s.handlePostChatMessage)
}

// resolveUser maps the verified principal onto a marketplace user row. The
// principal's subject is the wallet address asserted by the auth service.
func (s *apiServer) resolveUser(r *http.Request) (models.User, error) {
	principal, ok := authx.FromContext(r.Context())
	if !ok {
		return models.User{}, errors.New("missing principal")
	}
	role := "buyer"
	if principal.HasRole("admin") {
		role = "admin"
	} else if principal.HasRole("organizer") {
		role = "organizer"
	}
	return s.users.UpsertByWallet(r.Context(), principal.Subject, principal.Name, role)
}

func (s *apiServer) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *coordinator.ValidationError
	var conflictErr *coordinator.ConflictError
	switch {
	case errors.As(err, &validationErr):
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, validationErr.Error(),
			map[string]any{"field": validationErr.Field})
	case errors.As(err, &conflictErr):
		httpx.WriteError(w, r, http.StatusConflict, httpx.CodeConflict, conflictErr.Error(), nil)
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		httpx.WriteError(w, r, http.StatusNotFound, httpx.CodeNotFound, "resource not found", nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "internal error", nil)
	}
}

func (s *apiServer) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "missing auth context", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"subject": principal.Subject,
		"email":   principal.Email,
		"name":    principal.Name,
		"roles":   principal.Roles,
	})
}

// handleGetUser serves a public profile. Wallet addresses stay private.
func (s *apiServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid user id", nil)
		return
	}
	user, err := s.users.GetByID(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"userId":      user.UserID,
		"displayName": user.DisplayName,
		"role":        user.Role,
		"createdAt":   user.CreatedAt,
	})
}

type createRaffleRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	TicketPrice  int64  `json:"ticketPrice"`
	TotalTickets int    `json:"totalTickets"`
}

func (s *apiServer) handleCreateRaffle(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "unknown user", nil)
		return
	}
	var req createRaffleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid JSON body", nil)
		return
	}
	raffle, err := s.coord.CreateRaffle(r.Context(), coordinator.CreateRaffleInput{
		Title:        req.Title,
		Description:  req.Description,
		TicketPrice:  req.TicketPrice,
		TotalTickets: req.TotalTickets,
		CreatedBy:    user.UserID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, raffleResponse(raffle))
}

func (s *apiServer) handleListRaffles(w http.ResponseWriter, r *http.Request) {
	status := workflow.NormalizeStatus(r.URL.Query().Get("status"))
	if status != "" && !slices.Contains(workflow.AllRaffleStatuses(), status) {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "unknown raffle status", nil)
		return
	}
	limit, offset := pagination(r)
	raffles, err := s.raffles.ListRaffles(r.Context(), status, limit, offset)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(raffles))
	for _, raffle := range raffles {
		out = append(out, raffleResponse(raffle))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"raffles": out})
}

// handleGetRaffle serves from the cache when the summary hash is present and
// falls back to the durable store on a miss.
func (s *apiServer) handleGetRaffle(w http.ResponseWriter, r *http.Request) {
	raffleID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid raffle id", nil)
		return
	}

	key := cachex.EntityKey("raffle", raffleID.String(), "summary")
	if fields, err := s.cache.GetAll(r.Context(), key); err == nil && len(fields) > 0 {
		metricsx.IncCacheHit()
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"raffleId":     raffleID,
			"title":        fields["title"],
			"status":       fields["status"],
			"ticketPrice":  atoi64(fields["ticket_price"]),
			"totalTickets": atoi(fields["total_tickets"]),
			"ticketsSold":  atoi(fields["tickets_sold"]),
			"source":       "cache",
		})
		return
	}
	metricsx.IncCacheMiss()

	raffle, err := s.raffles.GetRaffleByID(r.Context(), raffleID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, raffleResponse(raffle))
}

func (s *apiServer) handleApproveRaffle(w http.ResponseWriter, r *http.Request) {
	raffleID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid raffle id", nil)
		return
	}
	user, err := s.resolveUser(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "unknown user", nil)
		return
	}
	raffle, err := s.coord.ApproveRaffle(r.Context(), raffleID, user.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, raffleResponse(raffle))
}

// handleCancelRaffle ends a raffle. Only the creator or an admin may cancel.
func (s *apiServer) handleCancelRaffle(w http.ResponseWriter, r *http.Request) {
	raffleID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid raffle id", nil)
		return
	}
	user, err := s.resolveUser(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "unknown user", nil)
		return
	}
	raffle, err := s.raffles.GetRaffleByID(r.Context(), raffleID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if raffle.CreatedByUserID != user.UserID && user.Role != "admin" {
		httpx.WriteError(w, r, http.StatusForbidden, httpx.CodeFailedPrecondition, "only the creator or an admin can cancel", nil)
		return
	}
	raffle, err = s.coord.CancelRaffle(r.Context(), raffleID, user.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, raffleResponse(raffle))
}

type purchaseRequest struct {
	Quantity int `json:"quantity"`
}

func (s *apiServer) handlePurchaseTickets(w http.ResponseWriter, r *http.Request) {
	raffleID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid raffle id", nil)
		return
	}
	user, err := s.resolveUser(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "unknown user", nil)
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid JSON body", nil)
		return
	}
	raffle, tickets, err := s.coord.PurchaseTickets(r.Context(), coordinator.PurchaseTicketsInput{
		RaffleID: raffleID,
		BuyerID:  user.UserID,
		Quantity: req.Quantity,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	numbers := make([]int, 0, len(tickets))
	for _, ticket := range tickets {
		numbers = append(numbers, ticket.Number)
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"raffle":        raffleResponse(raffle),
		"ticketNumbers": numbers,
	})
}

func (s *apiServer) handleListTickets(w http.ResponseWriter, r *http.Request) {
	raffleID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid raffle id", nil)
		return
	}
	limit, offset := pagination(r)
	tickets, err := s.raffles.ListTicketsByRaffle(r.Context(), raffleID, limit, offset)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(tickets))
	for _, ticket := range tickets {
		out = append(out, map[string]any{
			"ticketId":    ticket.TicketID,
			"number":      ticket.Number,
			"buyerId":     ticket.BuyerUserID,
			"purchasedAt": ticket.PurchasedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tickets": out})
}

type createDonationRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	GoalAmount  int64  `json:"goalAmount"`
}

func (s *apiServer) handleCreateDonation(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "unknown user", nil)
		return
	}
	var req createDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid JSON body", nil)
		return
	}
	donation, err := s.coord.CreateDonation(r.Context(), coordinator.CreateDonationInput{
		Title:       req.Title,
		Description: req.Description,
		GoalAmount:  req.GoalAmount,
		CreatedBy:   user.UserID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, donationResponse(donation))
}

func (s *apiServer) handleListDonations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	donations, err := s.donations.ListDonations(r.Context(), strings.TrimSpace(r.URL.Query().Get("status")), limit, offset)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(donations))
	for _, donation := range donations {
		out = append(out, donationResponse(donation))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"donations": out})
}

func (s *apiServer) handleGetDonation(w http.ResponseWriter, r *http.Request) {
	donationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid donation id", nil)
		return
	}

	key := cachex.EntityKey("donation", donationID.String(), "summary")
	if fields, err := s.cache.GetAll(r.Context(), key); err == nil && len(fields) > 0 {
		metricsx.IncCacheHit()
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"donationId":   donationID,
			"title":        fields["title"],
			"status":       fields["status"],
			"goalAmount":   atoi64(fields["goal_amount"]),
			"raisedAmount": atoi64(fields["raised_amount"]),
			"source":       "cache",
		})
		return
	}
	metricsx.IncCacheMiss()

	donation, err := s.donations.GetDonationByID(r.Context(), donationID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, donationResponse(donation))
}

type contributeRequest struct {
	Amount int64  `json:"amount"`
	TxHash string `json:"txHash"`
}

func (s *apiServer) handleContribute(w http.ResponseWriter, r *http.Request) {
	donationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid donation id", nil)
		return
	}
	user, err := s.resolveUser(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "unknown user", nil)
		return
	}
	var req contributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid JSON body", nil)
		return
	}
	donation, contribution, err := s.coord.Contribute(r.Context(), coordinator.ContributeInput{
		DonationID:    donationID,
		ContributorID: user.UserID,
		Amount:        req.Amount,
		TxHash:        req.TxHash,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"donation":       donationResponse(donation),
		"contributionId": contribution.ContributionID,
	})
}

func (s *apiServer) handleListContributions(w http.ResponseWriter, r *http.Request) {
	donationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid donation id", nil)
		return
	}
	limit, offset := pagination(r)
	contributions, err := s.donations.ListContributions(r.Context(), donationID, limit, offset)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(contributions))
	for _, contribution := range contributions {
		out = append(out, map[string]any{
			"contributionId": contribution.ContributionID,
			"contributorId":  contribution.ContributorUserID,
			"amount":         contribution.Amount,
			"txHash":         contribution.TxHash,
			"createdAt":      contribution.CreatedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"contributions": out})
}

type chatMessageRequest struct {
	RoomID string `json:"roomId"`
	Body   string `json:"body"`
}

func (s *apiServer) handlePostChatMessage(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "unknown user", nil)
		return
	}
	var req chatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidArgument, "invalid JSON body", nil)
		return
	}
	msg, err := s.coord.PostChatMessage(r.Context(), coordinator.PostChatMessageInput{
		RoomID:   req.RoomID,
		SenderID: user.UserID,
		Sender:   user.DisplayName,
		Body:     req.Body,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"messageId": msg.MessageID,
		"sentAt":    msg.SentAt,
	})
}

func raffleResponse(raffle models.Raffle) map[string]any {
	return map[string]any{
		"raffleId":     raffle.RaffleID,
		"title":        raffle.Title,
		"description":  raffle.Description,
		"status":       raffle.Status,
		"ticketPrice":  raffle.TicketPrice,
		"totalTickets": raffle.TotalTickets,
		"ticketsSold":  raffle.TicketsSold,
		"createdBy":    raffle.CreatedByUserID,
		"createdAt":    raffle.CreatedAt,
		"updatedAt":    raffle.UpdatedAt,
	}
}

func donationResponse(donation models.Donation) map[string]any {
	return map[string]any{
		"donationId":   donation.DonationID,
		"title":        donation.Title,
		"description":  donation.Description,
		"status":       donation.Status,
		"goalAmount":   donation.GoalAmount,
		"raisedAmount": donation.RaisedAmount,
		"createdBy":    donation.CreatedByUserID,
		"createdAt":    donation.CreatedAt,
		"updatedAt":    donation.UpdatedAt,
	}
}

func pagination(r *http.Request) (int, int) {
	limit := atoi(r.URL.Query().Get("limit"))
	offset := atoi(r.URL.Query().Get("offset"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
