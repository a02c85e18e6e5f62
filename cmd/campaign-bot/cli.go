package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wedding-campaign/internal/codes"
	"wedding-campaign/internal/dispatch"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/storage"
)

func startCLI(ctx context.Context, a *app) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Println("\nCommands:")
		fmt.Println("  1. Add guest")
		fmt.Println("  2. Send invitations")
		fmt.Println("  3. View all guests")
		fmt.Println("  4. View guests by status")
		fmt.Println("  5. View stats")
		fmt.Println("  6. Generate invitation codes")
		fmt.Println("  7. View reminders")
		fmt.Println("  8. Run due reminders")
		fmt.Println("  9. Exit")
		fmt.Print("\nEnter command (1-9): ")

		if !scanner.Scan() {
			return
		}

		switch strings.TrimSpace(scanner.Text()) {
		case "1":
			addGuest(ctx, scanner, a)
		case "2":
			sendInvitations(ctx, scanner, a)
		case "3":
			printGuests("All Guests", a.guests.GetAllGuests())
		case "4":
			viewGuestsByStatus(scanner, a)
		case "5":
			viewStats(a)
		case "6":
			generateCodes(ctx, scanner, a)
		case "7":
			viewReminders(a)
		case "8":
			runReminders(ctx, a)
		case "9":
			fmt.Println("Exiting...")
			return
		default:
			fmt.Println("Invalid command. Please try again.")
		}
	}
}

func prompt(scanner *bufio.Scanner, label string) (string, bool) {
	fmt.Print(label)
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}

func addGuest(ctx context.Context, scanner *bufio.Scanner, a *app) {
	name, ok := prompt(scanner, "Enter guest name: ")
	if !ok {
		return
	}
	phone, ok := prompt(scanner, "Enter phone number (e.g., 052-123-4567): ")
	if !ok {
		return
	}
	mail, ok := prompt(scanner, "Enter email (optional): ")
	if !ok {
		return
	}

	in := storage.GuestInput{Name: name, Phone: phone, Email: mail}
	if mail != "" {
		in.InvitationType = models.ChannelEmail
	}
	g, err := a.guests.AddGuest(ctx, in)
	if err != nil {
		fmt.Printf("❌ Error adding guest: %v\n", err)
		return
	}
	fmt.Printf("✅ Added %s (%s)\n", g.Name, g.ID)
}

func sendInvitations(ctx context.Context, scanner *bufio.Scanner, a *app) {
	channels := a.dispatcher.Channels()
	fmt.Println("\nSelect channel:")
	for i, c := range channels {
		fmt.Printf("  %d. %s\n", i+1, c)
	}
	choice, ok := prompt(scanner, fmt.Sprintf("Enter choice (1-%d): ", len(channels)))
	if !ok {
		return
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(channels) {
		fmt.Println("Invalid choice.")
		return
	}

	guests := a.guests.ListGuests(storage.Filter{Statuses: []models.GuestStatus{models.StatusPending}})
	if len(guests) == 0 {
		fmt.Println("\nNo pending guests to invite.")
		return
	}

	fmt.Printf("\nSending %d invitations over %s...\n", len(guests), channels[n-1])
	b, err := a.dispatcher.Dispatch(ctx, dispatch.Request{Guests: guests, Channels: channels[n-1 : n]})
	if err != nil {
		fmt.Printf("❌ Error sending invitations: %v\n", err)
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Cancel()
			return
		case <-b.Done():
			p := b.Progress()
			fmt.Printf("✅ Done: %d sent, %d failed\n", p.Succeeded, p.Failed)
			return
		case <-ticker.C:
			p := b.Progress()
			fmt.Printf("  %d/%d\n", p.Completed, p.Total)
		}
	}
}

func printGuests(title string, guests []models.Guest) {
	if len(guests) == 0 {
		fmt.Println("\nNo guests found.")
		return
	}

	fmt.Printf("\n📋 %s (%d total):\n", title, len(guests))
	fmt.Println(strings.Repeat("-", 60))
	for _, guest := range guests {
		fmt.Printf("Name: %s\n", guest.Name)
		fmt.Printf("Phone: %s\n", guest.Phone)
		fmt.Printf("Status: %s\n", guest.Status)
		if len(guest.Companions) > 0 {
			fmt.Printf("Companions: %s\n", strings.Join(guest.Companions, ", "))
		}
		if guest.InvitationCode != "" {
			fmt.Printf("Code: %s\n", guest.InvitationCode)
		}
		if guest.DateResponded != nil {
			fmt.Printf("RSVP Date: %s\n", guest.DateResponded.Format("2006-01-02 15:04:05"))
		}
		fmt.Println(strings.Repeat("-", 60))
	}
}

func viewGuestsByStatus(scanner *bufio.Scanner, a *app) {
	fmt.Println("\nSelect status:")
	fmt.Println("  1. Pending")
	fmt.Println("  2. Invited")
	fmt.Println("  3. Confirmed")
	fmt.Println("  4. Declined")
	choice, ok := prompt(scanner, "Enter choice (1-4): ")
	if !ok {
		return
	}

	var status models.GuestStatus
	switch choice {
	case "1":
		status = models.StatusPending
	case "2":
		status = models.StatusInvited
	case "3":
		status = models.StatusConfirmed
	case "4":
		status = models.StatusDeclined
	default:
		fmt.Println("Invalid choice.")
		return
	}

	guests := a.guests.ListGuests(storage.Filter{Statuses: []models.GuestStatus{status}})
	printGuests(fmt.Sprintf("Guests with status '%s'", status), guests)
}

func viewStats(a *app) {
	s := a.stats.Stats()
	fmt.Println("\n📊 Campaign stats")
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Guests:            %d\n", s.Total)
	fmt.Printf("Confirmed:         %d (%d people)\n", s.Confirmed, s.TotalConfirmedPeople)
	fmt.Printf("Declined:          %d\n", s.Declined)
	fmt.Printf("Invited:           %d\n", s.Invited)
	fmt.Printf("Pending:           %d\n", s.Pending)
	fmt.Printf("Never contacted:   %d\n", s.NotInvited)
	fmt.Printf("Response rate:     %.1f%%\n", s.ResponseRate*100)

	cs := a.codes.Stats()
	fmt.Printf("Codes:             %d total, %d active, %d used, %d expired, %d revoked\n",
		cs.Total, cs.Active, cs.Used, cs.Expired, cs.Revoked)
}

func generateCodes(ctx context.Context, scanner *bufio.Scanner, a *app) {
	qty, ok := prompt(scanner, "How many codes? ")
	if !ok {
		return
	}
	n, err := strconv.Atoi(qty)
	if err != nil {
		fmt.Println("Invalid number.")
		return
	}
	assign, ok := prompt(scanner, "Assign to guests without a code? (y/n): ")
	if !ok {
		return
	}

	res, err := a.codes.Generate(ctx, codes.GenerateOptions{
		Quantity:       n,
		Length:         8,
		MaxUses:        1,
		Type:           models.CodeIndividual,
		AssignToGuests: strings.EqualFold(assign, "y"),
	})
	if err != nil {
		fmt.Printf("❌ Error generating codes: %v\n", err)
		return
	}
	for _, c := range res.Codes {
		fmt.Printf("  %s\n", c.Code)
	}
	fmt.Printf("✅ Generated %d codes (%d failed, %d assigned)\n", len(res.Codes), res.Failed, res.Assigned)
}

func viewReminders(a *app) {
	reminders := a.reminders.List()
	if len(reminders) == 0 {
		fmt.Println("\nNo reminders configured.")
		return
	}

	fmt.Printf("\n⏰ Reminders (%d total):\n", len(reminders))
	fmt.Println(strings.Repeat("-", 60))
	for _, r := range reminders {
		fmt.Printf("Name: %s\n", r.Name)
		fmt.Printf("Trigger: %s %s\n", r.TriggerType, r.TriggerValue)
		fmt.Printf("Active: %t\n", r.IsActive)
		if r.NextRun != nil {
			fmt.Printf("Next run: %s\n", r.NextRun.Format("2006-01-02 15:04"))
		}
		fmt.Printf("Sent: %d (%d ok, %d failed)\n", r.TotalSent, r.SuccessCount, r.FailureCount)
		fmt.Println(strings.Repeat("-", 60))
	}
}

func runReminders(ctx context.Context, a *app) {
	records, err := a.reminders.Evaluate(ctx)
	if err != nil {
		fmt.Printf("❌ Error running reminders: %v\n", err)
		return
	}
	if len(records) == 0 {
		fmt.Println("\nNo reminders were due.")
		return
	}
	for _, r := range records {
		fmt.Printf("  %s via %s: %d/%d sent (%s)\n", r.ReminderID, r.Channel, r.SentCount, r.TargetCount, r.Outcome)
	}
}
